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

// Package scheduler hands queued projection events to a fixed pool of workers.
//
// Each projection has an execution context holding the batch in flight on this
// node. When a context runs dry the scheduler claims the projection in the
// checkpoint store, fetches the next batch from the event source, registers it
// in the journal and buckets it per worker slot, so that events sharing a
// correlation id are always handled, in order, by the same worker. Once every
// event of the batch is acknowledged the journal is committed, which advances
// the checkpoint and releases the claim.
//
// Two lock scopes are used: the scheduler lock guards the round-robin index and
// is never held across store or source calls; the execution context lock is
// held while a context is filled, read, drained or committed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/numaproj/numaflow-projections/pkg/events"
	"github.com/numaproj/numaflow-projections/pkg/metrics"
	"github.com/numaproj/numaflow-projections/pkg/projection"
	"github.com/numaproj/numaflow-projections/pkg/shared/idlehandler"
	"github.com/numaproj/numaflow-projections/pkg/store"
)

// Scheduler is the execution context based projection.Service.
type Scheduler struct {
	store  store.CheckpointStore
	source events.Source
	opts   *options
	log    *zap.SugaredLogger

	lock     sync.Mutex
	started  bool
	index    int
	contexts []*executionContext
	byName   map[string]*executionContext
	slots    map[string]int
}

var _ projection.Service = (*Scheduler)(nil)

// NewScheduler returns a Scheduler. Startup must be called before use.
func NewScheduler(cs store.CheckpointStore, source events.Source, opts ...Option) (*Scheduler, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return &Scheduler{
		store:  cs,
		source: source,
		opts:   o,
		log:    o.logger.Named("scheduler"),
	}, nil
}

// Startup assigns a slot to every worker, loads the projections and re-queues
// the journal entries left incomplete by a previous run. It may be called once.
func (s *Scheduler) Startup(ctx context.Context, workers []string) error {
	s.lock.Lock()
	started := s.started
	s.lock.Unlock()
	if started {
		return fmt.Errorf("scheduler already started")
	}
	if len(workers) == 0 {
		return projection.ErrNoWorkers
	}
	slots := make(map[string]int, len(workers))
	for i, w := range workers {
		if _, ok := slots[w]; ok {
			return fmt.Errorf("duplicate worker %q", w)
		}
		slots[w] = i
	}

	filter := store.Options{Include: s.opts.include, Exclude: s.opts.exclude}
	var names []string
	seen := make(map[string]struct{})
	for _, name := range s.opts.projections {
		if _, ok := seen[name]; ok || !filter.Allowed(name) {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if len(names) == 0 {
		return projection.ErrNoProjections
	}

	contexts := make([]*executionContext, 0, len(names))
	byName := make(map[string]*executionContext, len(names))
	for _, name := range names {
		p, err := s.store.GetOrCreateProjection(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to load projection %s: %w", name, err)
		}
		ec := newExecutionContext(name, p.SequenceNumber, len(workers), idlehandler.NewBackoff(s.opts.idleDurations))
		metrics.Checkpoint.WithLabelValues(name).Set(float64(p.SequenceNumber))
		if err := s.recoverJournal(ctx, ec); err != nil {
			return err
		}
		contexts = append(contexts, ec)
		byName[name] = ec
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.contexts = contexts
	s.byName = byName
	s.slots = slots
	s.started = true
	s.log.Infow("Scheduler started", zap.Int("workers", len(workers)), zap.Strings("projections", names))
	return nil
}

// recoverJournal re-queues the incomplete journal entries of a projection and
// commits a journal left fully completed. A projection claimed by another live
// node is skipped, that node owns the journal.
func (s *Scheduler) recoverJournal(ctx context.Context, ec *executionContext) error {
	incomplete, err := s.store.GetIncompleteJournalEntries(ctx, ec.name)
	if err != nil {
		return fmt.Errorf("failed to read journal of %s: %w", ec.name, err)
	}
	if len(incomplete) == 0 {
		completed, err := s.store.GetCompletedJournalEntries(ctx, ec.name)
		if err != nil {
			return fmt.Errorf("failed to read journal of %s: %w", ec.name, err)
		}
		if len(completed) == 0 {
			return nil
		}
	}
	p, err := s.store.Claim(ctx, ec.name)
	if err != nil {
		return fmt.Errorf("failed to claim %s for recovery: %w", ec.name, err)
	}
	if p == nil {
		s.log.Infow("Projection is claimed by another node, skipping recovery", zap.String("projection", ec.name))
		return nil
	}
	ec.lock.Lock()
	defer ec.lock.Unlock()
	if p.SequenceNumber > ec.checkpoint {
		ec.checkpoint = p.SequenceNumber
	}
	requeued, err := s.requeue(ctx, ec)
	if err != nil {
		return err
	}
	if !requeued {
		// nothing left to handle, commit and release the claim
		return s.commit(ctx, ec)
	}
	return nil
}

// requeue publishes the incomplete journal entries of a claimed projection
// without registering them again. Entries whose events are gone from the source
// are completed. It returns true when events were queued.
func (s *Scheduler) requeue(ctx context.Context, ec *executionContext) (bool, error) {
	incomplete, err := s.store.GetIncompleteJournalEntries(ctx, ec.name)
	if err != nil {
		return false, fmt.Errorf("failed to read journal of %s: %w", ec.name, err)
	}
	if len(incomplete) == 0 {
		return false, nil
	}
	evts, err := s.source.FetchBySequenceNumbers(ctx, incomplete)
	if err != nil {
		return false, fmt.Errorf("failed to fetch journal events of %s: %w", ec.name, err)
	}
	found := make(map[int64]struct{}, len(evts))
	for _, e := range evts {
		found[e.SequenceNumber] = struct{}{}
	}
	for _, seq := range incomplete {
		if _, ok := found[seq]; ok {
			continue
		}
		s.log.Warnw("Journal entry has no event in the source, completing it", zap.String("projection", ec.name), zap.Int64("sequenceNumber", seq))
		metrics.GapCount.WithLabelValues(ec.name).Inc()
		if err := s.store.CompleteJournalEntry(ctx, ec.name, seq); err != nil {
			return false, err
		}
		ec.acknowledged(seq)
	}
	if len(evts) == 0 {
		return false, nil
	}
	ec.publish(ec.batch(evts))
	s.log.Infow("Recovered journal entries", zap.String("projection", ec.name), zap.Int("events", len(evts)))
	return true, nil
}

// fill claims the projection and queues its next batch. It reports whether the
// claim was obtained; the context is still empty when there was nothing to fetch.
func (s *Scheduler) fill(ctx context.Context, ec *executionContext) (bool, error) {
	if ec.commitPending {
		err := s.commit(ctx, ec)
		if store.IsJournalIncomplete(err) {
			// the journal moved on without this node, claiming resumes it
			ec.commitPending = false
		} else if err != nil {
			return false, fmt.Errorf("failed to commit journal of %s: %w", ec.name, err)
		}
	}
	p, err := s.store.Claim(ctx, ec.name)
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", ec.name, err)
	}
	if p == nil {
		return false, nil
	}
	if p.SequenceNumber > ec.checkpoint {
		ec.checkpoint = p.SequenceNumber
	}
	release := func() {
		if err := s.store.Defer(context.WithoutCancel(ctx), ec.name, time.Time{}); err != nil {
			s.log.Debugw("Failed to release claim", zap.String("projection", ec.name), zap.Error(err))
		}
	}

	// a journal orphaned by a crashed node is resumed before anything new
	requeued, err := s.requeue(ctx, ec)
	if err != nil {
		release()
		return true, err
	}
	if requeued {
		return true, nil
	}
	// so is one whose entries were all completed
	completed, err := s.store.GetCompletedJournalEntries(ctx, ec.name)
	if err != nil {
		release()
		return true, fmt.Errorf("failed to read journal of %s: %w", ec.name, err)
	}
	if len(completed) > 0 {
		s.log.Infow("Committing completed journal", zap.String("projection", ec.name), zap.Int("entries", len(completed)))
		if err := s.commit(ctx, ec); err != nil {
			release()
			return true, fmt.Errorf("failed to commit journal of %s: %w", ec.name, err)
		}
		// the commit released the claim
		if p, err = s.store.Claim(ctx, ec.name); err != nil {
			return false, fmt.Errorf("failed to claim %s: %w", ec.name, err)
		}
		if p == nil {
			return false, nil
		}
	}

	evts, err := s.source.FetchRange(ctx, ec.checkpoint+1, s.opts.batchSize)
	if err != nil {
		release()
		return true, fmt.Errorf("failed to fetch events of %s: %w", ec.name, err)
	}
	metrics.BatchFetchCount.WithLabelValues(ec.name).Inc()
	metrics.BatchSize.WithLabelValues(ec.name).Observe(float64(len(evts)))
	if len(evts) == 0 {
		return true, nil
	}
	buckets := ec.batch(evts)
	seqs := make([]int64, 0, len(evts))
	for _, e := range evts {
		seqs = append(seqs, e.SequenceNumber)
	}
	if err := s.store.RegisterJournalEntries(ctx, ec.name, seqs); err != nil {
		release()
		return true, fmt.Errorf("failed to register journal of %s: %w", ec.name, err)
	}
	ec.publish(buckets)
	s.log.Debugw("Fetched batch", zap.String("projection", ec.name), zap.Int64("from", seqs[0]), zap.Int64("to", seqs[len(seqs)-1]))
	return true, nil
}

// RetrieveEvent returns the earliest event queued for the worker on the first
// projection, from the rotating index, that is not backing off and has work.
func (s *Scheduler) RetrieveEvent(ctx context.Context, worker string) (*projection.ProjectionEvent, error) {
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return nil, fmt.Errorf("scheduler not started")
	}
	slot, ok := s.slots[worker]
	if !ok {
		s.lock.Unlock()
		return nil, &projection.UnknownWorkerErr{Worker: worker}
	}
	contexts := s.contexts
	start := s.index
	s.index = (s.index + 1) % len(contexts)
	s.lock.Unlock()

	for i := 0; i < len(contexts); i++ {
		ec := contexts[(start+i)%len(contexts)]
		pe, done, err := s.retrieveFrom(ctx, ec, slot)
		if err != nil || done {
			if pe != nil {
				metrics.RetrieveCount.WithLabelValues(ec.name, worker).Inc()
			}
			return pe, err
		}
	}
	s.log.Debugw("No work available", zap.String("worker", worker))
	return nil, nil
}

// retrieveFrom returns done once a projection with work was found.
func (s *Scheduler) retrieveFrom(ctx context.Context, ec *executionContext, slot int) (*projection.ProjectionEvent, bool, error) {
	ec.lock.Lock()
	defer ec.lock.Unlock()
	now := s.opts.clock.Now()
	if !ec.backoff.Ready(now) {
		return nil, false, nil
	}
	if ec.empty() {
		claimed, err := s.fill(ctx, ec)
		if err != nil {
			return nil, false, err
		}
		if ec.empty() {
			delay := ec.backoff.Idle(now)
			metrics.IdleCount.WithLabelValues(ec.name).Inc()
			if claimed {
				if err := s.store.Defer(ctx, ec.name, ec.backoff.ResumeAt()); err != nil {
					return nil, false, fmt.Errorf("failed to defer %s: %w", ec.name, err)
				}
			}
			s.log.Debugw("Projection is idle", zap.String("projection", ec.name), zap.Duration("backoff", delay), zap.Bool("claimed", claimed))
			return nil, false, nil
		}
	}
	ec.backoff.Reset()
	evt, ok := ec.peek(slot)
	if !ok {
		return nil, true, nil
	}
	return &projection.ProjectionEvent{
		Projection: store.Projection{Name: ec.name, SequenceNumber: ec.checkpoint},
		Event:      evt,
	}, true, nil
}

// AcknowledgeEvent completes the journal entry of the event and commits the
// journal once the batch is drained. Acknowledging an event twice is a no-op,
// unless the commit of its drained batch failed, then the commit is retried.
func (s *Scheduler) AcknowledgeEvent(ctx context.Context, pe *projection.ProjectionEvent) error {
	if pe == nil {
		return fmt.Errorf("nil projection event")
	}
	s.lock.Lock()
	ec, ok := s.byName[pe.Projection.Name]
	s.lock.Unlock()
	if !ok {
		return fmt.Errorf("unknown projection %q", pe.Projection.Name)
	}

	ec.lock.Lock()
	defer ec.lock.Unlock()
	seq := pe.Event.SequenceNumber
	if !ec.contains(seq) {
		if ec.commitPending && ec.empty() {
			s.log.Infow("Retrying commit", zap.String("projection", ec.name), zap.Int64("sequenceNumber", seq))
			return s.commit(ctx, ec)
		}
		s.log.Debugw("Event already acknowledged", zap.String("projection", ec.name), zap.Int64("sequenceNumber", seq))
		return nil
	}
	if err := s.store.CompleteJournalEntry(ctx, ec.name, seq); err != nil {
		return fmt.Errorf("failed to complete journal entry of %s: %w", ec.name, err)
	}
	removed := ec.remove(seq)
	ec.acknowledged(seq)
	metrics.AckCount.WithLabelValues(ec.name).Inc()
	if removed && ec.empty() {
		return s.commit(ctx, ec)
	}
	return nil
}

func (s *Scheduler) commit(ctx context.Context, ec *executionContext) error {
	highWater := ec.highWater
	ec.commitPending = true
	checkpoint, ok, err := s.store.CommitJournal(ctx, ec.name)
	if err != nil {
		reason := "error"
		if store.IsJournalIncomplete(err) {
			reason = "incomplete"
		}
		metrics.CommitErrorCount.WithLabelValues(ec.name, reason).Inc()
		return err
	}
	ec.commitPending = false
	ec.committed(checkpoint)
	if ok {
		metrics.CommitCount.WithLabelValues(ec.name).Inc()
		metrics.Checkpoint.WithLabelValues(ec.name).Set(float64(checkpoint))
		s.log.Debugw("Committed checkpoint", zap.String("projection", ec.name), zap.Int64("checkpoint", checkpoint), zap.Int64("highWater", highWater))
	}
	return nil
}

// Checkpoint returns the last committed sequence number known for a projection.
func (s *Scheduler) Checkpoint(name string) (int64, error) {
	s.lock.Lock()
	ec, ok := s.byName[name]
	s.lock.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown projection %q", name)
	}
	ec.lock.Lock()
	defer ec.lock.Unlock()
	return ec.checkpoint, nil
}

// IsUnknownWorker returns true if err is or wraps a *projection.UnknownWorkerErr.
func IsUnknownWorker(err error) bool {
	var e *projection.UnknownWorkerErr
	return errors.As(err, &e)
}
