// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

// Package history stores the results of past runs in a SQLite database.
package history

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"zb.256lights.llc/fodreports/internal/fodcheck"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNoRuns is returned by [DB.LastRun] when no run has been recorded for a tree.
var ErrNoRuns = errors.New("no runs recorded")

// A Run is a single recorded run.
type Run struct {
	ID        uuid.UUID
	Tree      string
	StartedAt time.Time
	EndedAt   time.Time
	Results   []fodcheck.Result
}

// DB is a handle to a history database.
// It is safe to use from multiple goroutines.
type DB struct {
	pool *sqlitemigration.Pool
}

// Open opens the history database at path,
// creating it and its parent directories if necessary.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, fmt.Errorf("open history: %v", err)
	}
	pool := sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
		Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
		PoolSize:    1,
		PrepareConn: prepareConn,
		OnStartMigrate: func() {
			log.Debugf(context.Background(), "Migrating history database %s...", path)
		},
		OnError: func(err error) {
			log.Errorf(context.Background(), "History migration: %v", err)
		},
	})
	return &DB{pool: pool}, nil
}

// Close releases any resources associated with the database.
func (db *DB) Close() error {
	return db.pool.Close()
}

// RecordRun stores run in the database.
// If run.ID is the zero UUID, a new random ID is assigned.
func (db *DB) RecordRun(ctx context.Context, run *Run) (err error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("record run %v: %v", run.ID, err)
	}
	defer db.pool.Put(conn)
	defer func() {
		if err != nil {
			err = fmt.Errorf("record run %v: %v", run.ID, err)
		}
	}()
	defer sqlitex.Save(conn)(&err)

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "insert_run.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":         run.ID.String(),
			":tree":       run.Tree,
			":started_at": run.StartedAt.UnixMilli(),
			":ended_at":   run.EndedAt.UnixMilli(),
		},
	})
	if err != nil {
		return err
	}
	for _, res := range run.Results {
		err := sqlitex.ExecuteFS(conn, sqlFiles(), "insert_result.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":run_id":       run.ID.String(),
				":attribute":    res.Attribute,
				":derivation":   string(res.Derivation),
				":reproducible": res.Reproducible,
			},
		})
		if err != nil {
			return fmt.Errorf("%s: %v", res.Derivation, err)
		}
	}
	return nil
}

// LastRun returns the most recent run recorded for tree.
// If there are none, LastRun returns an error wrapping [ErrNoRuns].
func (db *DB) LastRun(ctx context.Context, tree string) (_ *Run, err error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("last run for %s: %v", tree, err)
	}
	defer db.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	var run *Run
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "last_run.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":tree": tree,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id, err := uuid.Parse(stmt.GetText("id"))
			if err != nil {
				return fmt.Errorf("id: %v", err)
			}
			run = &Run{
				ID:        id,
				Tree:      stmt.GetText("tree"),
				StartedAt: time.UnixMilli(stmt.GetInt64("started_at")).UTC(),
				EndedAt:   time.UnixMilli(stmt.GetInt64("ended_at")).UTC(),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("last run for %s: %v", tree, err)
	}
	if run == nil {
		return nil, fmt.Errorf("last run for %s: %w", tree, ErrNoRuns)
	}

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "run_results.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":run_id": run.ID.String(),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			drv, err := nix.ParseStorePath(stmt.GetText("derivation"))
			if err != nil {
				return err
			}
			run.Results = append(run.Results, fodcheck.Result{
				Attribute:    stmt.GetText("attribute"),
				Derivation:   drv,
				Reproducible: stmt.GetBool("reproducible"),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("last run for %s: results: %v", tree, err)
	}
	return run, nil
}

// A Change is a derivation whose verdict differs between two runs.
type Change struct {
	Derivation      nix.StorePath
	Attribute       string
	WasReproducible bool
	Reproducible    bool
}

// Changes returns the derivations checked in both prev and cur
// whose verdicts differ, in the order they appear in cur.
func Changes(prev, cur []fodcheck.Result) []Change {
	before := make(map[nix.StorePath]bool, len(prev))
	for _, res := range prev {
		before[res.Derivation] = res.Reproducible
	}
	var changes []Change
	for _, res := range cur {
		if was, ok := before[res.Derivation]; ok && was != res.Reproducible {
			changes = append(changes, Change{
				Derivation:      res.Derivation,
				Attribute:       res.Attribute,
				WasReproducible: was,
				Reproducible:    res.Reproducible,
			})
		}
	}
	return changes
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
