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

// Package sequential implements a projection.Service that hands out one event
// at a time per projection, claiming the projection for each event and reading
// the log through a shared event cache.
package sequential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/numaproj/numaflow-projections/pkg/events"
	"github.com/numaproj/numaflow-projections/pkg/metrics"
	"github.com/numaproj/numaflow-projections/pkg/projection"
	"github.com/numaproj/numaflow-projections/pkg/shared/idlehandler"
	"github.com/numaproj/numaflow-projections/pkg/shared/logging"
	"github.com/numaproj/numaflow-projections/pkg/store"
)

// DefaultPrefetchCount is the number of events read on a cache miss.
const DefaultPrefetchCount = 100

type options struct {
	prefetchCount int
	cacheSize     int
	cacheDuration time.Duration
	idleDurations []time.Duration
	projections   []string
	clock         clock.Clock
	logger        *zap.SugaredLogger
}

type Option func(*options) error

func DefaultOptions() *options {
	return &options{
		prefetchCount: DefaultPrefetchCount,
		cacheSize:     DefaultCacheSize,
		cacheDuration: DefaultCacheDuration,
		idleDurations: idlehandler.DefaultIdleDurations,
		clock:         clock.RealClock{},
		logger:        logging.NewLogger(),
	}
}

// WithPrefetchCount sets the number of events read on a cache miss
func WithPrefetchCount(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("prefetch count must be positive, got %d", n)
		}
		o.prefetchCount = n
		return nil
	}
}

// WithCache sets the cache bounds
func WithCache(size int, duration time.Duration) Option {
	return func(o *options) error {
		o.cacheSize = size
		o.cacheDuration = duration
		return nil
	}
}

// WithIdleDurations sets the idle backoff sequence
func WithIdleDurations(d []time.Duration) Option {
	return func(o *options) error {
		if len(d) > 0 {
			o.idleDurations = d
		}
		return nil
	}
}

// WithProjections sets the projections created at startup
func WithProjections(names ...string) Option {
	return func(o *options) error {
		o.projections = names
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

// Service is the single cursor projection.Service. Any worker may receive the
// next event of any projection; the store claim keeps one event per projection
// in flight across the cluster.
type Service struct {
	store  store.CheckpointStore
	source events.Source
	cache  *EventCache
	opts   *options
	log    *zap.SugaredLogger

	lock     sync.Mutex
	backoffs map[string]*idlehandler.Backoff
}

var _ projection.Service = (*Service)(nil)

// NewService returns a Service.
func NewService(cs store.CheckpointStore, source events.Source, opts ...Option) (*Service, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	cache, err := NewEventCache(o.cacheSize, o.cacheDuration, o.clock)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    cs,
		source:   source,
		cache:    cache,
		opts:     o,
		log:      o.logger.Named("sequential"),
		backoffs: make(map[string]*idlehandler.Backoff),
	}, nil
}

// Startup creates the configured projections.
func (s *Service) Startup(ctx context.Context, workers []string) error {
	if len(workers) == 0 {
		return projection.ErrNoWorkers
	}
	if len(s.opts.projections) == 0 {
		return projection.ErrNoProjections
	}
	for _, name := range s.opts.projections {
		p, err := s.store.GetOrCreateProjection(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to load projection %s: %w", name, err)
		}
		metrics.Checkpoint.WithLabelValues(name).Set(float64(p.SequenceNumber))
	}
	s.log.Infow("Sequential service started", zap.Int("workers", len(workers)), zap.Strings("projections", s.opts.projections))
	return nil
}

func (s *Service) backoff(name string) *idlehandler.Backoff {
	b, ok := s.backoffs[name]
	if !ok {
		b = idlehandler.NewBackoff(s.opts.idleDurations)
		s.backoffs[name] = b
	}
	return b
}

// RetrieveEvent claims the next eligible projection and returns the first event
// after its checkpoint. A projection without new events is deferred.
func (s *Service) RetrieveEvent(ctx context.Context, worker string) (*projection.ProjectionEvent, error) {
	p, err := s.store.ClaimNext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to claim projection: %w", err)
	}
	if p == nil {
		return nil, nil
	}
	next := p.SequenceNumber + 1

	evt, ok := s.cache.TryGet(next)
	if ok {
		metrics.CacheHitCount.WithLabelValues(p.Name).Inc()
	} else {
		metrics.CacheMissCount.WithLabelValues(p.Name).Inc()
		evt, ok, err = s.prefetch(ctx, next)
		if err != nil {
			if derr := s.store.Defer(context.WithoutCancel(ctx), p.Name, time.Time{}); derr != nil {
				s.log.Debugw("Failed to release claim", zap.String("projection", p.Name), zap.Error(derr))
			}
			return nil, err
		}
	}

	if !ok {
		s.lock.Lock()
		delay := s.backoff(p.Name).Idle(s.opts.clock.Now())
		resumeAt := s.backoff(p.Name).ResumeAt()
		s.lock.Unlock()
		metrics.IdleCount.WithLabelValues(p.Name).Inc()
		s.log.Debugw("Projection is idle", zap.String("projection", p.Name), zap.Duration("backoff", delay))
		if err := s.store.Defer(ctx, p.Name, resumeAt); err != nil {
			return nil, fmt.Errorf("failed to defer %s: %w", p.Name, err)
		}
		return nil, nil
	}

	if evt.SequenceNumber > next {
		s.log.Warnw("Sequence gap detected", zap.String("projection", p.Name), zap.Int64("expected", next), zap.Int64("got", evt.SequenceNumber))
		metrics.GapCount.WithLabelValues(p.Name).Inc()
	}
	metrics.RetrieveCount.WithLabelValues(p.Name, worker).Inc()
	return &projection.ProjectionEvent{Projection: *p, Event: evt}, nil
}

// prefetch reads events from next into the cache and returns the first one.
func (s *Service) prefetch(ctx context.Context, next int64) (events.Event, bool, error) {
	evts, err := s.source.FetchRange(ctx, next, s.opts.prefetchCount)
	if err != nil {
		return events.Event{}, false, fmt.Errorf("failed to fetch events from %d: %w", next, err)
	}
	var (
		first events.Event
		found bool
	)
	for _, e := range evts {
		s.cache.Add(e.SequenceNumber, e)
		if !found && e.SequenceNumber >= next {
			first, found = e, true
		}
	}
	return first, found, nil
}

// AcknowledgeEvent advances the checkpoint to the event, releasing the claim.
func (s *Service) AcknowledgeEvent(ctx context.Context, pe *projection.ProjectionEvent) error {
	if pe == nil {
		return fmt.Errorf("nil projection event")
	}
	name := pe.Projection.Name
	if err := s.store.AdvanceCheckpoint(ctx, name, pe.Event.SequenceNumber); err != nil {
		return fmt.Errorf("failed to advance checkpoint of %s: %w", name, err)
	}
	s.lock.Lock()
	s.backoff(name).Reset()
	s.lock.Unlock()
	metrics.AckCount.WithLabelValues(name).Inc()
	metrics.Checkpoint.WithLabelValues(name).Set(float64(pe.Event.SequenceNumber))
	return nil
}
