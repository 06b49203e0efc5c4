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

// Package sqlite implements store.CheckpointStore and events.Source on SQLite.
// Claims are serialized by the database write lock; there is no row level
// skip-locked in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/numaproj/numaflow-projections/pkg/store"
)

// Store is a SQLite backed checkpoint store.
type Store struct {
	db   *sql.DB
	opts *store.Options
}

var _ store.CheckpointStore = (*Store)(nil)

// Open opens the SQLite database at path. Call Migrate before first use.
func Open(path string, opts ...store.Option) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, opts: store.NewOptions(opts...)}, nil
}

func openDB(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if !strings.Contains(path, "?") {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single connection serializes writers
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now()
}

func (s *Store) GetOrCreateProjection(ctx context.Context, name string) (store.Projection, error) {
	if err := ctx.Err(); err != nil {
		return store.Projection{}, err
	}
	var p store.Projection
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO projections (name, sequence_number) VALUES (?, 0)
ON CONFLICT (name) DO NOTHING`, name); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
SELECT name, sequence_number, locked_at, deferred_until
FROM projections WHERE name = ?`, name)
		var err error
		p, err = scanProjection(row)
		return err
	})
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	expiry := now.Add(-s.opts.LockTimeout)

	where := []string{
		"(locked_at IS NULL OR locked_at <= ?)",
		"(deferred_until IS NULL OR deferred_until <= ?)",
	}
	args := []any{toMillis(now), toMillis(expiry), toMillis(now)}
	if name != "" {
		where = append(where, "name = ?")
		args = append(args, name)
	}
	if len(s.opts.Include) > 0 {
		where = append(where, "name IN ("+placeholders(len(s.opts.Include))+")")
		args = appendStrings(args, s.opts.Include)
	}
	if len(s.opts.Exclude) > 0 {
		where = append(where, "name NOT IN ("+placeholders(len(s.opts.Exclude))+")")
		args = appendStrings(args, s.opts.Exclude)
	}

	query := `
UPDATE projections SET locked_at = ?, deferred_until = NULL
WHERE name = (
    SELECT name FROM projections
    WHERE ` + strings.Join(where, " AND ") + `
    ORDER BY sequence_number, name
    LIMIT 1
)
RETURNING name, sequence_number, locked_at, deferred_until`

	var p store.Projection
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		p, err = scanProjection(tx.QueryRowContext(ctx, query, args...))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim projection: %w", err)
	}
	return &p, nil
}

func (s *Store) Defer(ctx context.Context, name string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var deferred sql.NullInt64
	if !until.IsZero() {
		deferred = sql.NullInt64{Int64: toMillis(until), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE projections SET locked_at = NULL, deferred_until = ? WHERE name = ?`, deferred, name)
	if err != nil {
		return fmt.Errorf("defer projection %s: %w", name, err)
	}
	return requireRow(res, "defer", name)
}

func (s *Store) AdvanceCheckpoint(ctx context.Context, name string, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE projections SET sequence_number = MAX(sequence_number, ?), locked_at = NULL
WHERE name = ?`, seq, name)
	if err != nil {
		return fmt.Errorf("advance checkpoint of %s: %w", name, err)
	}
	return requireRow(res, "advance checkpoint of", name)
}

func (s *Store) RegisterJournalEntries(ctx context.Context, name string, seqs []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM projection_journal WHERE name = ? AND date_completed IS NULL`, name); err != nil {
			return err
		}
		for _, chunk := range store.Chunks(seqs, s.opts.ChunkSize) {
			values := make([]string, 0, len(chunk))
			args := make([]any, 0, 2*len(chunk))
			for _, seq := range chunk {
				values = append(values, "(?, ?, NULL)")
				args = append(args, name, seq)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO projection_journal (name, sequence_number, date_completed)
VALUES `+strings.Join(values, ", ")+`
ON CONFLICT (name, sequence_number) DO UPDATE SET date_completed = NULL`, args...); err != nil {
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
	if err := ctx.Err(); err != nil {
		return err
	}
	now := toMillis(s.now())
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE projection_journal SET date_completed = ?
WHERE name = ? AND sequence_number = ? AND date_completed IS NULL`, now, name, seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE projections SET locked_at = ? WHERE name = ? AND locked_at IS NOT NULL`, now, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete journal entry %d of %s: %w", seq, name, err)
	}
	return nil
}

func (s *Store) CommitJournal(ctx context.Context, name string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var (
		checkpoint int64
		committed  bool
	)
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var total, incomplete int
		var highest int64
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1),
       COALESCE(SUM(CASE WHEN date_completed IS NULL THEN 1 ELSE 0 END), 0),
       COALESCE(MAX(sequence_number), 0)
FROM projection_journal WHERE name = ?`, name).Scan(&total, &incomplete, &highest); err != nil {
			return err
		}
		if incomplete > 0 {
			return &store.JournalIncompleteErr{Name: name, Incomplete: incomplete}
		}
		err := tx.QueryRowContext(ctx, `
UPDATE projections SET sequence_number = MAX(sequence_number, ?), locked_at = NULL
WHERE name = ?
RETURNING sequence_number`, highest, name).Scan(&checkpoint)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrProjectionNotFound
		}
		if err != nil {
			return err
		}
		if total == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projection_journal WHERE name = ?`, name); err != nil {
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT sequence_number FROM projection_journal
WHERE name = ? AND date_completed `+completedCond+`
ORDER BY sequence_number`, name)
	if err != nil {
		return nil, fmt.Errorf("get %s journal entries of %s: %w", kind, name, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		out = append(out, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal entries: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProjection(row rowScanner) (store.Projection, error) {
	var (
		p             store.Projection
		lockedAt      sql.NullInt64
		deferredUntil sql.NullInt64
	)
	if err := row.Scan(&p.Name, &p.SequenceNumber, &lockedAt, &deferredUntil); err != nil {
		return store.Projection{}, err
	}
	p.LockedAt = fromNullMillis(lockedAt)
	p.DeferredUntil = fromNullMillis(deferredUntil)
	return p, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, op, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, name, store.ErrProjectionNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func appendStrings(args []any, values []string) []any {
	for _, v := range values {
		args = append(args, v)
	}
	return args
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
