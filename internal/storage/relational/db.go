// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package relational implements the Queue and Store interfaces on top of
// modernc.org/sqlite, the pure-Go driver the teacher codebase already uses
// for its own single-node backend. It applies spec.md §4.1.a's hybrid
// flat-column/JSON-column schema: hot-path fields get real columns,
// everything else lives in a metadata JSON blob, the same split the
// teacher's sqlite backend draws between its typed run/checkpoint columns
// and their JSON payload fields.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/internal/storage/relational/migrations"
)

// Config configures the relational backend connection.
type Config struct {
	// Path is the SQLite database file path (or ":memory:" for a
	// process-local database, mainly useful for the conformance suite).
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool

	// Prefix is the subject/index naming prefix P (spec.md §4.1).
	Prefix string
}

// Open connects to the SQLite database at cfg.Path, configures pragmas, and
// applies any outstanding migrations, tracked in {P}_schema_version.
func Open(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("relational: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("relational: connecting to database: %w", err)
	}

	if err := configurePragmas(ctx, db, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("relational: configuring pragmas: %w", err)
	}

	if err := Migrate(ctx, db, names.New(cfg.Prefix).Prefix); err != nil {
		db.Close()
		return nil, fmt.Errorf("relational: migrating schema: %w", err)
	}

	return db, nil
}

func configurePragmas(ctx context.Context, db *sql.DB, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Migrate applies every migration in migrations.For(prefix) not yet
// recorded in {P}_schema_version. Safe to call repeatedly (daemon startup
// and the `migrate` CLI subcommand both call it).
func Migrate(ctx context.Context, db *sql.DB, prefix string) error {
	all := migrations.For(prefix)

	// The schema_version table itself must exist before we can query it;
	// its own migration is always first and is idempotent via IF NOT EXISTS.
	if _, err := db.ExecContext(ctx, all[0].SQL); err != nil {
		return fmt.Errorf("migration %s: %w", all[0].Name, err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s_schema_version", prefix))
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d_%s: %w", m.Version, m.Name, err)
		}
		insert := fmt.Sprintf("INSERT INTO %s_schema_version (version, name, applied_at) VALUES (?, ?, ?)", prefix)
		if _, err := db.ExecContext(ctx, insert, m.Version, m.Name, storage.NowMs()); err != nil {
			return fmt.Errorf("recording migration %d_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Store is the relational Store implementation.
type Store struct {
	db    *sql.DB
	names names.Names
	streams *streamStore
	index   *indexStore
	kv      *kvStore
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps an already-open, already-migrated database connection.
func NewStore(db *sql.DB, prefix string) *Store {
	n := names.New(prefix)
	s := &Store{db: db, names: n}
	s.streams = &streamStore{db: db, names: n}
	s.index = &indexStore{db: db, prefix: prefix}
	s.kv = &kvStore{db: db, prefix: prefix}
	return s
}

func (s *Store) Stream() storage.StreamStore { return s.streams }
func (s *Store) Index() storage.IndexStore   { return s.index }
func (s *Store) KV() storage.KVStore         { return s.kv }
func (s *Store) Close() error                { return s.db.Close() }
