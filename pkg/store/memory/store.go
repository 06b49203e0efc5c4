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

// Package memory implements store.CheckpointStore in memory. It is used for
// local development and tests; the store-wide lock serializes every claim.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/numaproj/numaflow-projections/pkg/store"
)

type journal map[int64]*time.Time

// Store is an in memory checkpoint store.
type Store struct {
	opts        *store.Options
	lock        sync.Mutex
	projections map[string]*store.Projection
	journals    map[string]journal
}

var _ store.CheckpointStore = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore(opts ...store.Option) *Store {
	return &Store{
		opts:        store.NewOptions(opts...),
		projections: make(map[string]*store.Projection),
		journals:    make(map[string]journal),
	}
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now()
}

func (s *Store) GetOrCreateProjection(ctx context.Context, name string) (store.Projection, error) {
	if err := ctx.Err(); err != nil {
		return store.Projection{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	p, ok := s.projections[name]
	if !ok {
		p = &store.Projection{Name: name}
		s.projections[name] = p
	}
	return clone(p), nil
}

func (s *Store) ClaimNext(ctx context.Context) (*store.Projection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	var next *store.Projection
	for _, p := range s.projections {
		if !s.opts.Eligible(*p, now) {
			continue
		}
		if next == nil || p.SequenceNumber < next.SequenceNumber ||
			(p.SequenceNumber == next.SequenceNumber && p.Name < next.Name) {
			next = p
		}
	}
	if next == nil {
		return nil, nil
	}
	return s.claim(next, now), nil
}

func (s *Store) Claim(ctx context.Context, name string) (*store.Projection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	p, ok := s.projections[name]
	if !ok || !s.opts.Eligible(*p, now) {
		return nil, nil
	}
	return s.claim(p, now), nil
}

func (s *Store) claim(p *store.Projection, now time.Time) *store.Projection {
	lockedAt := now
	p.LockedAt = &lockedAt
	p.DeferredUntil = nil
	c := clone(p)
	return &c
}

func (s *Store) Defer(ctx context.Context, name string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	p, ok := s.projections[name]
	if !ok {
		return fmt.Errorf("defer %s: %w", name, store.ErrProjectionNotFound)
	}
	p.LockedAt = nil
	p.DeferredUntil = nil
	if !until.IsZero() {
		p.DeferredUntil = &until
	}
	return nil
}

func (s *Store) AdvanceCheckpoint(ctx context.Context, name string, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	p, ok := s.projections[name]
	if !ok {
		return fmt.Errorf("advance checkpoint of %s: %w", name, store.ErrProjectionNotFound)
	}
	if seq > p.SequenceNumber {
		p.SequenceNumber = seq
	}
	p.LockedAt = nil
	return nil
}

func (s *Store) RegisterJournalEntries(ctx context.Context, name string, seqs []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	j, ok := s.journals[name]
	if !ok {
		j = make(journal)
		s.journals[name] = j
	}
	for seq, completed := range j {
		if completed == nil {
			delete(j, seq)
		}
	}
	for _, seq := range seqs {
		j[seq] = nil
	}
	return nil
}

func (s *Store) CompleteJournalEntry(ctx context.Context, name string, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	if completed, ok := s.journals[name][seq]; ok && completed == nil {
		s.journals[name][seq] = &now
	}
	if p, ok := s.projections[name]; ok && p.LockedAt != nil {
		p.LockedAt = &now
	}
	return nil
}

func (s *Store) CommitJournal(ctx context.Context, name string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	p, ok := s.projections[name]
	if !ok {
		return 0, false, fmt.Errorf("commit journal of %s: %w", name, store.ErrProjectionNotFound)
	}
	j := s.journals[name]
	incomplete := 0
	var highest int64
	for seq, completed := range j {
		if completed == nil {
			incomplete++
		} else if seq > highest {
			highest = seq
		}
	}
	if incomplete > 0 {
		return 0, false, &store.JournalIncompleteErr{Name: name, Incomplete: incomplete}
	}
	p.LockedAt = nil
	if len(j) == 0 {
		return p.SequenceNumber, false, nil
	}
	if highest > p.SequenceNumber {
		p.SequenceNumber = highest
	}
	delete(s.journals, name)
	return p.SequenceNumber, true, nil
}

func (s *Store) GetIncompleteJournalEntries(ctx context.Context, name string) ([]int64, error) {
	return s.journalEntries(ctx, name, false)
}

func (s *Store) GetCompletedJournalEntries(ctx context.Context, name string) ([]int64, error) {
	return s.journalEntries(ctx, name, true)
}

func (s *Store) journalEntries(ctx context.Context, name string, completed bool) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []int64
	for seq, at := range s.journals[name] {
		if (at != nil) == completed {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

func clone(p *store.Projection) store.Projection {
	c := *p
	if p.LockedAt != nil {
		t := *p.LockedAt
		c.LockedAt = &t
	}
	if p.DeferredUntil != nil {
		t := *p.DeferredUntil
		c.DeferredUntil = &t
	}
	return c
}
