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

// Package store defines the durable checkpoint and journal boundary shared by
// every processing node, and the options common to its implementations.
package store

import (
	"context"
	"time"
)

// Projection is a named, durable cursor over the event log.
type Projection struct {
	Name string
	// SequenceNumber is the last committed sequence number, it never decreases.
	SequenceNumber int64
	// LockedAt is set while a node holds the claim.
	LockedAt *time.Time
	// DeferredUntil keeps the projection ineligible for claiming until elapsed.
	DeferredUntil *time.Time
}

// JournalEntry records one event of the in-flight batch of a projection.
type JournalEntry struct {
	Name           string
	SequenceNumber int64
	DateCompleted  *time.Time
}

// CheckpointStore persists projections and their journals.
type CheckpointStore interface {
	// GetOrCreateProjection returns the projection, inserting it with checkpoint 0 if missing.
	GetOrCreateProjection(ctx context.Context, name string) (Projection, error)
	// ClaimNext claims the eligible projection with the lowest (SequenceNumber, Name).
	// It returns nil when nothing is eligible.
	ClaimNext(ctx context.Context) (*Projection, error)
	// Claim claims the named projection if it is eligible, nil otherwise.
	Claim(ctx context.Context, name string) (*Projection, error)
	// Defer releases the claim and keeps the projection ineligible until the given
	// time. A zero time only releases the claim.
	Defer(ctx context.Context, name string, until time.Time) error
	// AdvanceCheckpoint moves the checkpoint forward to seq and releases the claim.
	AdvanceCheckpoint(ctx context.Context, name string, seq int64) error
	// RegisterJournalEntries replaces the uncompleted journal of the projection.
	RegisterJournalEntries(ctx context.Context, name string, seqs []int64) error
	// CompleteJournalEntry marks one journal entry completed and renews the claim.
	CompleteJournalEntry(ctx context.Context, name string, seq int64) error
	// CommitJournal advances the checkpoint to the highest completed entry, clears
	// the journal and releases the claim. It returns the resulting checkpoint and
	// whether anything was committed, or a *JournalIncompleteErr.
	CommitJournal(ctx context.Context, name string) (int64, bool, error)
	// GetIncompleteJournalEntries returns the uncompleted sequence numbers in ascending order.
	GetIncompleteJournalEntries(ctx context.Context, name string) ([]int64, error)
	// GetCompletedJournalEntries returns the completed, uncommitted sequence numbers in ascending order.
	GetCompletedJournalEntries(ctx context.Context, name string) ([]int64, error)
	Close() error
}
