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

// Package storetest holds the behavior every store.CheckpointStore must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/numaproj/numaflow-projections/pkg/store"
)

// Factory builds a fresh, empty store with the given options.
type Factory func(t *testing.T, opts ...store.Option) store.CheckpointStore

// StartTime is the fake clock start used by the suite.
var StartTime = time.Unix(1636470000, 0).UTC()

// Run runs the full suite against the stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetOrCreateProjection", func(t *testing.T) { testGetOrCreate(t, newStore) })
	t.Run("ClaimFairness", func(t *testing.T) { testClaimFairness(t, newStore) })
	t.Run("ClaimExpiry", func(t *testing.T) { testClaimExpiry(t, newStore) })
	t.Run("ClaimByName", func(t *testing.T) { testClaimByName(t, newStore) })
	t.Run("Defer", func(t *testing.T) { testDefer(t, newStore) })
	t.Run("Filters", func(t *testing.T) { testFilters(t, newStore) })
	t.Run("AdvanceCheckpoint", func(t *testing.T) { testAdvanceCheckpoint(t, newStore) })
	t.Run("Journal", func(t *testing.T) { testJournal(t, newStore) })
	t.Run("JournalReplace", func(t *testing.T) { testJournalReplace(t, newStore) })
	t.Run("JournalChunks", func(t *testing.T) { testJournalChunks(t, newStore) })
	t.Run("CompleteRenewsClaim", func(t *testing.T) { testCompleteRenewsClaim(t, newStore) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore) })
	t.Run("UnknownProjection", func(t *testing.T) { testUnknownProjection(t, newStore) })
}

func setup(t *testing.T, newStore Factory, opts ...store.Option) (store.CheckpointStore, *clocktesting.FakeClock) {
	fc := clocktesting.NewFakeClock(StartTime)
	s := newStore(t, append([]store.Option{store.WithClock(fc), store.WithLockTimeout(30 * time.Second)}, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return s, fc
}

func seed(t *testing.T, s store.CheckpointStore, checkpoints map[string]int64) {
	ctx := context.Background()
	for name, seq := range checkpoints {
		_, err := s.GetOrCreateProjection(ctx, name)
		require.NoError(t, err)
		if seq > 0 {
			require.NoError(t, s.AdvanceCheckpoint(ctx, name, seq))
		}
	}
}

func testGetOrCreate(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, _ := setup(t, newStore)

	p, err := s.GetOrCreateProjection(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", p.Name)
	assert.Equal(t, int64(0), p.SequenceNumber)
	assert.Nil(t, p.LockedAt)
	assert.Nil(t, p.DeferredUntil)

	require.NoError(t, s.AdvanceCheckpoint(ctx, "orders", 7))
	p, err = s.GetOrCreateProjection(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.SequenceNumber)
}

func testClaimFairness(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, fc := setup(t, newStore)
	seed(t, s, map[string]int64{"a": 5, "b": 10})

	p, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "a", p.Name)
	assert.Equal(t, int64(5), p.SequenceNumber)
	require.NotNil(t, p.LockedAt)
	assert.True(t, fc.Now().Equal(*p.LockedAt))

	// a is held, the next claim returns b
	p, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "b", p.Name)

	p, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func testClaimExpiry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, fc := setup(t, newStore)
	seed(t, s, map[string]int64{"a": 0})

	p, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)

	fc.Step(29 * time.Second)
	p, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	fc.Step(time.Second)
	p, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "a", p.Name)
}

func testClaimByName(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, _ := setup(t, newStore)
	seed(t, s, map[string]int64{"a": 1, "b": 2})

	p, err := s.Claim(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "b", p.Name)
	assert.Equal(t, int64(2), p.SequenceNumber)

	p, err = s.Claim(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = s.Claim(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func testDefer(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, fc := setup(t, newStore)
	seed(t, s, map[string]int64{"a": 1, "b": 2})

	p, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", p.Name)
	require.NoError(t, s.Defer(ctx, "a", fc.Now().Add(time.Minute)))

	p, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "b", p.Name)
	// zero time only releases the claim
	require.NoError(t, s.Defer(ctx, "b", time.Time{}))
	p, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "b", p.Name)

	fc.Step(time.Minute)
	p, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "a", p.Name)
	assert.Nil(t, p.DeferredUntil)
}

func testFilters(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, _ := setup(t, newStore, store.WithExclude("a"))
	seed(t, s, map[string]int64{"a": 1, "b": 2})

	p, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "b", p.Name)

	p, err = s.Claim(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func testAdvanceCheckpoint(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, _ := setup(t, newStore)
	seed(t, s, map[string]int64{"a": 0})

	p, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, s.AdvanceCheckpoint(ctx, "a", 10))

	// the claim is released
	p, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(10), p.SequenceNumber)

	// the checkpoint never decreases
	require.NoError(t, s.AdvanceCheckpoint(ctx, "a", 4))
	got, err := s.GetOrCreateProjection(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.SequenceNumber)
	assert.Nil(t, got.LockedAt)
}

func testJournal(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, _ := setup(t, newStore)
	seed(t, s, map[string]int64{"p1": 0})

	committed, ok, err := s.CommitJournal(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), committed)

	require.NoError(t, s.RegisterJournalEntries(ctx, "p1", []int64{1, 2, 3}))
	incomplete, err := s.GetIncompleteJournalEntries(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, incomplete)

	require.NoError(t, s.CompleteJournalEntry(ctx, "p1", 2))
	completed, err := s.GetCompletedJournalEntries(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, completed)
	_, _, err = s.CommitJournal(ctx, "p1")
	var incompleteErr *store.JournalIncompleteErr
	require.True(t, errors.As(err, &incompleteErr))
	assert.Equal(t, 2, incompleteErr.Incomplete)
	p, err := s.GetOrCreateProjection(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.SequenceNumber)

	require.NoError(t, s.CompleteJournalEntry(ctx, "p1", 1))
	require.NoError(t, s.CompleteJournalEntry(ctx, "p1", 3))
	// completing twice is a no-op
	require.NoError(t, s.CompleteJournalEntry(ctx, "p1", 3))
	require.NoError(t, s.CompleteJournalEntry(ctx, "p1", 99))

	committed, ok, err = s.CommitJournal(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), committed)

	p, err = s.GetOrCreateProjection(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.SequenceNumber)
	assert.Nil(t, p.LockedAt)

	incomplete, err = s.GetIncompleteJournalEntries(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, incomplete)
	completed, err = s.GetCompletedJournalEntries(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, completed)

	committed, ok, err = s.CommitJournal(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), committed)
}

func testJournalReplace(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, _ := setup(t, newStore)
	seed(t, s, map[string]int64{"p1": 0, "p2": 0})

	require.NoError(t, s.RegisterJournalEntries(ctx, "p1", []int64{1, 2}))
	require.NoError(t, s.RegisterJournalEntries(ctx, "p2", []int64{1}))
	require.NoError(t, s.CompleteJournalEntry(ctx, "p1", 1))
	require.NoError(t, s.RegisterJournalEntries(ctx, "p1", []int64{3, 4}))

	incomplete, err := s.GetIncompleteJournalEntries(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, incomplete)

	// other projections are untouched
	incomplete, err = s.GetIncompleteJournalEntries(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, incomplete)

	// registering a completed entry again makes it incomplete
	require.NoError(t, s.RegisterJournalEntries(ctx, "p1", []int64{1}))
	incomplete, err = s.GetIncompleteJournalEntries(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, incomplete)
}

func testJournalChunks(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, _ := setup(t, newStore)
	seed(t, s, map[string]int64{"p1": 0})

	seqs := make([]int64, 450)
	for i := range seqs {
		seqs[i] = int64(i + 1)
	}
	require.NoError(t, s.RegisterJournalEntries(ctx, "p1", seqs))
	incomplete, err := s.GetIncompleteJournalEntries(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, seqs, incomplete)

	for _, seq := range seqs {
		require.NoError(t, s.CompleteJournalEntry(ctx, "p1", seq))
	}
	committed, ok, err := s.CommitJournal(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(450), committed)
}

func testCompleteRenewsClaim(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, fc := setup(t, newStore)
	seed(t, s, map[string]int64{"a": 0})

	p, err := s.Claim(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, s.RegisterJournalEntries(ctx, "a", []int64{1, 2}))

	fc.Step(20 * time.Second)
	require.NoError(t, s.CompleteJournalEntry(ctx, "a", 1))
	fc.Step(20 * time.Second)

	p, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func testConcurrentClaim(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, _ := setup(t, newStore)
	seed(t, s, map[string]int64{"a": 0})

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.ClaimNext(ctx)
			assert.NoError(t, err)
			if p != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func testUnknownProjection(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s, fc := setup(t, newStore)

	assert.ErrorIs(t, s.AdvanceCheckpoint(ctx, "missing", 1), store.ErrProjectionNotFound)
	assert.ErrorIs(t, s.Defer(ctx, "missing", fc.Now()), store.ErrProjectionNotFound)
}
