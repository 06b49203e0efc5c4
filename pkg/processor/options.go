/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


package processor

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/numaproj/numaflow-projections/pkg/shared/logging"
)

// DefaultPollInterval is how long a worker sleeps when there is no work.
const DefaultPollInterval = 100 * time.Millisecond

var (
	// DefaultHandlerBackoff bounds the attempts to apply one event.
	DefaultHandlerBackoff = wait.Backoff{
		Steps:    5,
		Duration: 100 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
	}
	// DefaultAckBackoff bounds the attempts to acknowledge one event.
	DefaultAckBackoff = wait.Backoff{
		Steps:    10,
		Duration: 10 * time.Millisecond,
		Factor:   1.5,
		Jitter:   0.1,
	}
)

type options struct {
	pollInterval   time.Duration
	handlerBackoff wait.Backoff
	ackBackoff     wait.Backoff
	clock          clock.Clock
	logger         *zap.SugaredLogger
}

type Option func(*options) error

func DefaultOptions() *options {
	return &options{
		pollInterval:   DefaultPollInterval,
		handlerBackoff: DefaultHandlerBackoff,
		ackBackoff:     DefaultAckBackoff,
		clock:          clock.RealClock{},
		logger:         logging.NewLogger(),
	}
}

// WithPollInterval sets the sleep between retrievals that returned no work
func WithPollInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %s", d)
		}
		o.pollInterval = d
		return nil
	}
}

// WithHandlerBackoff sets the retry policy of the handler
func WithHandlerBackoff(b wait.Backoff) Option {
	return func(o *options) error {
		if b.Steps <= 0 {
			return fmt.Errorf("handler backoff needs at least one step")
		}
		o.handlerBackoff = b
		return nil
	}
}

// WithAckBackoff sets the retry policy of acknowledgments
func WithAckBackoff(b wait.Backoff) Option {
	return func(o *options) error {
		if b.Steps <= 0 {
			return fmt.Errorf("ack backoff needs at least one step")
		}
		o.ackBackoff = b
		return nil
	}
}

// WithClock sets the time source used for idle sleeps
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		o.clock = c
		return nil
	}
}

// WithLogger is used to return logger information
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}
