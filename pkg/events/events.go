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

// Package events defines the event log records consumed by projections and the
// boundary used to read them.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single record of the append-only event log. Events are immutable
// once recorded and are globally ordered by SequenceNumber.
type Event struct {
	SequenceNumber int64
	ID             uuid.UUID
	// CorrelationID groups events that must be applied in order, optional.
	CorrelationID uuid.NullUUID
	EventType     string
	Data          []byte
	RecordedAt    time.Time
}

// PartitionKey returns the key used for sticky routing: the correlation id when
// present, otherwise the event id.
func (e Event) PartitionKey() uuid.UUID {
	if e.CorrelationID.Valid {
		return e.CorrelationID.UUID
	}
	return e.ID
}

// Source reads events from the log.
type Source interface {
	// FetchRange returns up to maxRows events with SequenceNumber >= start in
	// ascending order. Gaps in the sequence are returned as-is.
	FetchRange(ctx context.Context, start int64, maxRows int) ([]Event, error)
	// FetchBySequenceNumbers returns the events with the given sequence numbers
	// in ascending order. Missing sequence numbers are silently absent.
	FetchBySequenceNumbers(ctx context.Context, seqs []int64) ([]Event, error)
}
