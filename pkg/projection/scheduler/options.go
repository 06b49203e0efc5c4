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

package scheduler

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/numaproj/numaflow-projections/pkg/shared/idlehandler"
	"github.com/numaproj/numaflow-projections/pkg/shared/logging"
)

// DefaultBatchSize is the number of events fetched per batch.
const DefaultBatchSize = 1000

// options for the scheduler
type options struct {
	// batchSize is the maximum number of events fetched per batch
	batchSize int
	// idleDurations is the backoff sequence applied to idle projections
	idleDurations []time.Duration
	// projections are the names scheduled by this node
	projections []string
	include     []string
	exclude     []string
	clock       clock.Clock
	// logger is used to pass the logger variable
	logger *zap.SugaredLogger
}

type Option func(*options) error

func DefaultOptions() *options {
	return &options{
		batchSize:     DefaultBatchSize,
		idleDurations: idlehandler.DefaultIdleDurations,
		clock:         clock.RealClock{},
		logger:        logging.NewLogger(),
	}
}

// WithBatchSize sets the fetch batch size
func WithBatchSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", n)
		}
		o.batchSize = n
		return nil
	}
}

// WithIdleDurations sets the idle backoff sequence
func WithIdleDurations(d []time.Duration) Option {
	return func(o *options) error {
		for _, v := range d {
			if v < 0 {
				return fmt.Errorf("idle duration must not be negative, got %s", v)
			}
		}
		if len(d) > 0 {
			o.idleDurations = d
		}
		return nil
	}
}

// WithProjections sets the projection names to schedule
func WithProjections(names ...string) Option {
	return func(o *options) error {
		o.projections = names
		return nil
	}
}

// WithFilters sets the include and exclude name filters
func WithFilters(include, exclude []string) Option {
	return func(o *options) error {
		o.include = include
		o.exclude = exclude
		return nil
	}
}

// WithClock sets the time source
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
