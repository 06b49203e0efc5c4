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

package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/numaproj/numaflow-projections/pkg/events"
	"github.com/numaproj/numaflow-projections/pkg/store"
)

// EventSource reads the event log from a PostgreSQL table.
type EventSource struct {
	pool   *pgxpool.Pool
	table  string
	chunks int
}

var _ events.Source = (*EventSource)(nil)

// NewEventSource reads events from schema.table through pool.
func NewEventSource(pool *pgxpool.Pool, schema, table string) *EventSource {
	if schema == "" {
		schema = DefaultSchema
	}
	if table == "" {
		table = "events"
	}
	return &EventSource{
		pool:   pool,
		table:  pgx.Identifier{schema, table}.Sanitize(),
		chunks: store.DefaultChunkSize,
	}
}

const selectEvents = `SELECT sequence_number, id::text, correlation_id::text, event_type, data, recorded_at FROM `

func (e *EventSource) FetchRange(ctx context.Context, start int64, maxRows int) ([]events.Event, error) {
	if maxRows <= 0 {
		return nil, nil
	}
	rows, err := e.pool.Query(ctx, selectEvents+e.table+`
WHERE sequence_number >= $1
ORDER BY sequence_number
LIMIT $2`, start, maxRows)
	if err != nil {
		return nil, fmt.Errorf("fetch events from %d: %w", start, err)
	}
	return collectEvents(rows)
}

func (e *EventSource) FetchBySequenceNumbers(ctx context.Context, seqs []int64) ([]events.Event, error) {
	var out []events.Event
	for _, chunk := range store.Chunks(seqs, e.chunks) {
		rows, err := e.pool.Query(ctx, selectEvents+e.table+`
WHERE sequence_number = ANY($1)
ORDER BY sequence_number`, chunk)
		if err != nil {
			return nil, fmt.Errorf("fetch events by sequence numbers: %w", err)
		}
		evts, err := collectEvents(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evts...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	var deduped []events.Event
	for _, evt := range out {
		if len(deduped) > 0 && deduped[len(deduped)-1].SequenceNumber == evt.SequenceNumber {
			continue
		}
		deduped = append(deduped, evt)
	}
	return deduped, nil
}

func collectEvents(rows pgx.Rows) ([]events.Event, error) {
	evts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.Event, error) {
		var (
			evt           events.Event
			id            string
			correlationID *string
		)
		if err := row.Scan(&evt.SequenceNumber, &id, &correlationID, &evt.EventType, &evt.Data, &evt.RecordedAt); err != nil {
			return events.Event{}, err
		}
		var err error
		if evt.ID, err = uuid.Parse(id); err != nil {
			return events.Event{}, fmt.Errorf("event %d has an invalid id: %w", evt.SequenceNumber, err)
		}
		if correlationID != nil {
			corr, err := uuid.Parse(*correlationID)
			if err != nil {
				return events.Event{}, fmt.Errorf("event %d has an invalid correlation id: %w", evt.SequenceNumber, err)
			}
			evt.CorrelationID = uuid.NullUUID{UUID: corr, Valid: true}
		}
		evt.RecordedAt = evt.RecordedAt.UTC()
		return evt, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect events: %w", err)
	}
	return evts, nil
}
