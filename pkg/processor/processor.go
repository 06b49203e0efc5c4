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


// Package processor runs a pool of named workers that pull events from a
// projection.Service, apply them with a projection.Handler and acknowledge them.
package processor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/numaflow-projections/pkg/metrics"
	"github.com/numaproj/numaflow-projections/pkg/projection"
	"github.com/numaproj/numaflow-projections/pkg/shared/logging"
	"github.com/numaproj/numaflow-projections/pkg/shared/util"
)

// Processor drives one goroutine per worker identity.
type Processor struct {
	service   projection.Service
	handler   projection.Handler
	workers   []string
	opts      options
	processed *atomic.Int64
	failed    *atomic.Int64
	started   *atomic.Bool
}

// NewProcessor returns a Processor for the given worker identities.
func NewProcessor(service projection.Service, handler projection.Handler, workers []string, opts ...Option) (*Processor, error) {
	if len(workers) == 0 {
		return nil, projection.ErrNoWorkers
	}
	options := DefaultOptions()
	for _, o := range opts {
		if err := o(options); err != nil {
			return nil, err
		}
	}
	return &Processor{
		service:   service,
		handler:   handler,
		workers:   workers,
		opts:      *options,
		processed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
		started:   atomic.NewBool(false),
	}, nil
}

// Start starts the service when it needs startup and blocks running the workers
// until ctx is done or a worker hits a fatal error. An event being handled when
// ctx is done is still handled and acknowledged before its worker returns.
func (p *Processor) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("processor already started")
	}
	ctx = logging.WithLogger(ctx, p.opts.logger)
	if s, ok := p.service.(projection.StartableService); ok {
		if err := s.Startup(ctx, p.workers); err != nil {
			return fmt.Errorf("failed to start the projection service, %w", err)
		}
	}
	p.opts.logger.Infow("Starting workers", zap.Strings("workers", p.workers))
	g, gctx := errgroup.WithContext(ctx)
	for _, worker := range p.workers {
		worker := worker
		g.Go(func() error {
			return p.run(gctx, worker)
		})
	}
	err := g.Wait()
	p.opts.logger.Infow("Workers stopped", zap.Int64("processed", p.processed.Load()), zap.Int64("failed", p.failed.Load()))
	return err
}

// Processed returns the number of events applied and acknowledged.
func (p *Processor) Processed() int64 {
	return p.processed.Load()
}

// Failed returns the number of events the handler gave up on.
func (p *Processor) Failed() int64 {
	return p.failed.Load()
}

func (p *Processor) run(ctx context.Context, worker string) error {
	log := p.opts.logger.With(zap.String("worker", worker))
	for {
		if ctx.Err() != nil {
			return nil
		}
		pe, err := p.service.RetrieveEvent(ctx, worker)
		if err != nil {
			var unknown *projection.UnknownWorkerErr
			if errors.As(err, &unknown) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warnw("Failed to retrieve event", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if pe == nil {
			p.sleep(ctx)
			continue
		}
		if !p.process(context.WithoutCancel(ctx), log, worker, pe) {
			p.sleep(ctx)
		}
	}
}

// process applies and acknowledges one event, reporting whether both succeeded.
func (p *Processor) process(ctx context.Context, log *zap.SugaredLogger, worker string, pe *projection.ProjectionEvent) bool {
	log = log.With(zap.String("projection", pe.Projection.Name), zap.Int64("sequenceNumber", pe.Event.SequenceNumber))
	err := util.Retry(ctx, p.opts.handlerBackoff, log, "handle", func(ctx context.Context) error {
		if err := p.handler.Handle(ctx, pe); err != nil {
			metrics.HandlerErrorCount.With(map[string]string{metrics.LabelProjection: pe.Projection.Name, metrics.LabelWorker: worker}).Inc()
			return err
		}
		return nil
	})
	if err != nil {
		p.failed.Inc()
		log.Errorw("Giving up on event, it will be delivered again", zap.Error(err))
		return false
	}
	err = util.Retry(ctx, p.opts.ackBackoff, log, "acknowledge", func(ctx context.Context) error {
		return p.service.AcknowledgeEvent(ctx, pe)
	})
	if err != nil {
		log.Errorw("Failed to acknowledge event", zap.Error(err))
		return false
	}
	p.processed.Inc()
	return true
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.opts.clock.After(p.opts.pollInterval):
	}
}
