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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/numaproj/numaflow-projections/pkg/events"
	"github.com/numaproj/numaflow-projections/pkg/store"
)

// DefaultEventTable is the table created by the embedded migrations.
const DefaultEventTable = "events"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EventSource reads the event log from a SQLite table.
type EventSource struct {
	db     *sql.DB
	table  string
	owned  bool
	chunks int
}

var _ events.Source = (*EventSource)(nil)

// NewEventSource reads events from table through db. The caller keeps ownership of db.
func NewEventSource(db *sql.DB, table string) (*EventSource, error) {
	if table == "" {
		table = DefaultEventTable
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("invalid event table name %q", table)
	}
	return &EventSource{db: db, table: table, chunks: store.DefaultChunkSize}, nil
}

// OpenEventSource opens its own connection to the database at path.
func OpenEventSource(path, table string) (*EventSource, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	src, err := NewEventSource(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	src.owned = true
	return src, nil
}

// Close closes the connection if it was opened by OpenEventSource.
func (e *EventSource) Close() error {
	if !e.owned {
		return nil
	}
	return e.db.Close()
}

func (e *EventSource) FetchRange(ctx context.Context, start int64, maxRows int) ([]events.Event, error) {
	if maxRows <= 0 {
		return nil, nil
	}
	rows, err := e.db.QueryContext(ctx, `
SELECT sequence_number, id, correlation_id, event_type, data, recorded_at
FROM `+e.table+`
WHERE sequence_number >= ?
ORDER BY sequence_number
LIMIT ?`, start, maxRows)
	if err != nil {
		return nil, fmt.Errorf("fetch events from %d: %w", start, err)
	}
	return scanEvents(rows)
}

func (e *EventSource) FetchBySequenceNumbers(ctx context.Context, seqs []int64) ([]events.Event, error) {
	var out []events.Event
	for _, chunk := range store.Chunks(seqs, e.chunks) {
		args := make([]any, 0, len(chunk))
		for _, seq := range chunk {
			args = append(args, seq)
		}
		rows, err := e.db.QueryContext(ctx, `
SELECT sequence_number, id, correlation_id, event_type, data, recorded_at
FROM `+e.table+`
WHERE sequence_number IN (`+placeholders(len(chunk))+`)
ORDER BY sequence_number`, args...)
		if err != nil {
			return nil, fmt.Errorf("fetch events by sequence numbers: %w", err)
		}
		evts, err := scanEvents(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evts...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return dedupe(out), nil
}

func scanEvents(rows *sql.Rows) ([]events.Event, error) {
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		var (
			evt           events.Event
			id            string
			correlationID sql.NullString
			recordedAt    int64
		)
		if err := rows.Scan(&evt.SequenceNumber, &id, &correlationID, &evt.EventType, &evt.Data, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var err error
		if evt.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("event %d has an invalid id: %w", evt.SequenceNumber, err)
		}
		if correlationID.Valid && correlationID.String != "" {
			corr, err := uuid.Parse(correlationID.String)
			if err != nil {
				return nil, fmt.Errorf("event %d has an invalid correlation id: %w", evt.SequenceNumber, err)
			}
			evt.CorrelationID = uuid.NullUUID{UUID: corr, Valid: true}
		}
		evt.RecordedAt = *fromNullMillis(sql.NullInt64{Int64: recordedAt, Valid: true})
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func dedupe(evts []events.Event) []events.Event {
	var out []events.Event
	for _, e := range evts {
		if len(out) > 0 && out[len(out)-1].SequenceNumber == e.SequenceNumber {
			continue
		}
		out = append(out, e)
	}
	return out
}
