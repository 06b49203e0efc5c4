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
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/numaflow-projections/pkg/store"
	"github.com/numaproj/numaflow-projections/pkg/store/storetest"
)

func openTestStore(t *testing.T, opts ...store.Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "projections.db"), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts ...store.Option) store.CheckpointStore {
		return openTestStore(t, opts...)
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openTestStore(t)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Migrate(context.Background()))

	var applied int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 2, applied)
}

func TestUpMigration(t *testing.T) {
	assert.Equal(t, "\nA;\n", upMigration("-- +migrate Up\nA;\n-- +migrate Down\nB;"))
	assert.Equal(t, "A;", upMigration("A;"))
}

func insertEvent(t *testing.T, s *Store, seq int64, corr *uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	var correlation any
	if corr != nil {
		correlation = corr.String()
	}
	_, err := s.DB().Exec(`
INSERT INTO events (sequence_number, id, correlation_id, event_type, data, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)`, seq, id.String(), correlation, "order-placed", []byte("{}"), storetest.StartTime.UnixMilli()+seq)
	require.NoError(t, err)
	return id
}

func TestEventSource(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	defer func() { _ = s.Close() }()

	corr := uuid.New()
	id1 := insertEvent(t, s, 1, &corr)
	insertEvent(t, s, 2, nil)
	insertEvent(t, s, 4, &corr)

	src, err := NewEventSource(s.DB(), "")
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	got, err := src.FetchRange(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].SequenceNumber)
	assert.Equal(t, id1, got[0].ID)
	assert.True(t, got[0].CorrelationID.Valid)
	assert.Equal(t, corr, got[0].CorrelationID.UUID)
	assert.Equal(t, "order-placed", got[0].EventType)
	assert.Equal(t, []byte("{}"), got[0].Data)
	assert.Equal(t, storetest.StartTime.Add(time.Millisecond), got[0].RecordedAt)
	assert.False(t, got[1].CorrelationID.Valid)

	// gaps are returned as-is
	got, err = src.FetchRange(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].SequenceNumber)

	got, err = src.FetchBySequenceNumbers(ctx, []int64{4, 3, 1, 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].SequenceNumber)
	assert.Equal(t, int64(4), got[1].SequenceNumber)
}

func TestNewEventSource_InvalidTable(t *testing.T) {
	_, err := NewEventSource(nil, "events; DROP TABLE projections")
	assert.Error(t, err)
}
