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
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate creates the schema and tables if missing. Concurrent callers are
// serialized by an advisory lock derived from the claim lock resource.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	schema := pgx.Identifier{s.schema}.Sanitize()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.opts.LockResource+"/schema"); err != nil {
			return fmt.Errorf("acquire schema lock: %w", err)
		}
		for _, file := range files {
			content, err := fs.ReadFile(migrationFS, "migrations/"+file)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", file, err)
			}
			if _, err := tx.Exec(ctx, strings.ReplaceAll(string(content), "{{schema}}", schema)); err != nil {
				return fmt.Errorf("exec migration %s: %w", file, err)
			}
		}
		return nil
	})
}
