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

// Package postgres implements store.CheckpointStore and events.Source on
// PostgreSQL. Claims are serialized with a transaction scoped advisory lock and
// rows are selected with FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/numaproj/numaflow-projections/pkg/store"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "projections"

// Store is a PostgreSQL backed checkpoint store.
type Store struct {
	pool        *pgxpool.Pool
	opts        *store.Options
	schema      string
	projections string
	journal     string
}

var _ store.CheckpointStore = (*Store)(nil)

// Open connects to the database at dsn. Call Migrate before first use.
func Open(ctx context.Context, dsn, schema string, opts ...store.Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if schema == "" {
		schema = DefaultSchema
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newStore(pool, schema, opts...), nil
}

func newStore(pool *pgxpool.Pool, schema string, opts ...store.Option) *Store {
	return &Store{
		pool:        pool,
		opts:        store.NewOptions(opts...),
		schema:      schema,
		projections: pgx.Identifier{schema, "projections"}.Sanitize(),
		journal:     pgx.Identifier{schema, "projection_journal"}.Sanitize(),
	}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now().UTC()
}

func (s *Store) GetOrCreateProjection(ctx context.Context, name string) (store.Projection, error) {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO `+s.projections+` (name, sequence_number) VALUES ($1, 0)
ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return store.Projection{}, fmt.Errorf("get or create projection %s: %w", name, err)
	}
	p, err := scanProjection(s.pool.QueryRow(ctx, `
SELECT name, sequence_number, locked_at, deferred_until
FROM `+s.projections+` WHERE name = $1`, name))
	if err != nil {
		return store.Projection{}, fmt.Errorf("get or create projection %s: %w", name, err)
	}
	return p, nil
}

func (s *Store) ClaimNext(ctx context.Context) (*store.Projection, error) {
	return s.claim(ctx, "")
}

func (s *Store) Claim(ctx context.Context, name string) (*store.Projection, error) {
	return s.claim(ctx, name)
}

func (s *Store) claim(ctx context.Context, name string) (*store.Projection, error) {
	now := s.now()
	args := []any{now, now.Add(-s.opts.LockTimeout)}
	where := []string{
		"(locked_at IS NULL OR locked_at <= $2)",
		"(deferred_until IS NULL OR deferred_until <= $1)",
	}
	if name != "" {
		args = append(args, name)
		where = append(where, fmt.Sprintf("name = $%d", len(args)))
	}
	if len(s.opts.Include) > 0 {
		args = append(args, s.opts.Include)
		where = append(where, fmt.Sprintf("name = ANY($%d)", len(args)))
	}
	if len(s.opts.Exclude) > 0 {
		args = append(args, s.opts.Exclude)
		where = append(where, fmt.Sprintf("NOT (name = ANY($%d))", len(args)))
	}
	query := `
WITH candidate AS (
    SELECT name FROM ` + s.projections + `
    WHERE ` + strings.Join(where, " AND ") + `
    ORDER BY sequence_number, name
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE ` + s.projections + ` p
SET locked_at = $1, deferred_until = NULL
FROM candidate
WHERE p.name = candidate.name
RETURNING p.name, p.sequence_number, p.locked_at, p.deferred_until`

	var p store.Projection
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.opts.LockResource); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		var err error
		p, err = scanProjection(tx.QueryRow(ctx, query, args...))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim projection: %w", err)
	}
	return &p, nil
}

func (s *Store) Defer(ctx context.Context, name string, until time.Time) error {
	var deferred *time.Time
	if !until.IsZero() {
		u := until.UTC()
		deferred = &u
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE `+s.projections+` SET locked_at = NULL, deferred_until = $2 WHERE name = $1`, name, deferred)
	if err != nil {
		return fmt.Errorf("defer projection %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("defer %s: %w", name, store.ErrProjectionNotFound)
	}
	return nil
}

func (s *Store) AdvanceCheckpoint(ctx context.Context, name string, seq int64) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+s.projections+` SET sequence_number = GREATEST(sequence_number, $2), locked_at = NULL
WHERE name = $1`, name, seq)
	if err != nil {
		return fmt.Errorf("advance checkpoint of %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance checkpoint of %s: %w", name, store.ErrProjectionNotFound)
	}
	return nil
}

func (s *Store) RegisterJournalEntries(ctx context.Context, name string, seqs []int64) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
DELETE FROM `+s.journal+` WHERE name = $1 AND date_completed IS NULL`, name); err != nil {
			return err
		}
		for _, chunk := range store.Chunks(seqs, s.opts.ChunkSize) {
			if _, err := tx.Exec(ctx, `
INSERT INTO `+s.journal+` (name, sequence_number)
SELECT $1, unnest($2::bigint[])
ON CONFLICT (name, sequence_number) DO UPDATE SET date_completed = NULL`, name, chunk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("register journal entries of %s: %w", name, err)
	}
	return nil
}

func (s *Store) CompleteJournalEntry(ctx context.Context, name string, seq int64) error {
	now := s.now()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
UPDATE `+s.journal+` SET date_completed = $3
WHERE name = $1 AND sequence_number = $2 AND date_completed IS NULL`, name, seq, now); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
UPDATE `+s.projections+` SET locked_at = $2 WHERE name = $1 AND locked_at IS NOT NULL`, name, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete journal entry %d of %s: %w", seq, name, err)
	}
	return nil
}

func (s *Store) CommitJournal(ctx context.Context, name string) (int64, bool, error) {
	var (
		checkpoint int64
		committed  bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var total, incomplete int
		var highest int64
		if err := tx.QueryRow(ctx, `
SELECT COUNT(1),
       COUNT(1) FILTER (WHERE date_completed IS NULL),
       COALESCE(MAX(sequence_number), 0)
FROM `+s.journal+` WHERE name = $1`, name).Scan(&total, &incomplete, &highest); err != nil {
			return err
		}
		if incomplete > 0 {
			return &store.JournalIncompleteErr{Name: name, Incomplete: incomplete}
		}
		err := tx.QueryRow(ctx, `
UPDATE `+s.projections+` SET sequence_number = GREATEST(sequence_number, $2), locked_at = NULL
WHERE name = $1
RETURNING sequence_number`, name, highest).Scan(&checkpoint)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrProjectionNotFound
		}
		if err != nil {
			return err
		}
		if total == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM `+s.journal+` WHERE name = $1`, name); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("commit journal of %s: %w", name, err)
	}
	return checkpoint, committed, nil
}

func (s *Store) GetIncompleteJournalEntries(ctx context.Context, name string) ([]int64, error) {
	return s.journalEntries(ctx, name, "IS NULL", "incomplete")
}

func (s *Store) GetCompletedJournalEntries(ctx context.Context, name string) ([]int64, error) {
	return s.journalEntries(ctx, name, "IS NOT NULL", "completed")
}

func (s *Store) journalEntries(ctx context.Context, name, completedCond, kind string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
SELECT sequence_number FROM `+s.journal+`
WHERE name = $1 AND date_completed `+completedCond+`
ORDER BY sequence_number`, name)
	if err != nil {
		return nil, fmt.Errorf("get %s journal entries of %s: %w", kind, name, err)
	}
	seqs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("get %s journal entries of %s: %w", kind, name, err)
	}
	return seqs, nil
}

func scanProjection(row pgx.Row) (store.Projection, error) {
	var p store.Projection
	if err := row.Scan(&p.Name, &p.SequenceNumber, &p.LockedAt, &p.DeferredUntil); err != nil {
		return store.Projection{}, err
	}
	p.LockedAt = utc(p.LockedAt)
	p.DeferredUntil = utc(p.DeferredUntil)
	return p, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
