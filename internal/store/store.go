// Package store persists registered policies in a SQLite file so a
// restart restores the policy set.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dfcgate/policy"
)

// SQLite DSN parameters for production hardening.
const (
	defaultBusyTimeout = "5000" // 5 seconds
	defaultSynchronous = "NORMAL"
	defaultJournalMode = "WAL"
)

const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	sources        TEXT NOT NULL,
	sink           TEXT NOT NULL DEFAULT '',
	sink_alias     TEXT NOT NULL DEFAULT '',
	constraint_sql TEXT NOT NULL,
	on_fail        TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	aggregate      INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL DEFAULT (datetime('now'))
);`

// Store is a SQLite-backed policy list. Writes go through a single
// connection; SQLite locks the whole file anyway.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the policy store at path.
func Open(path string) (*Store, error) {
	params := url.Values{}
	params.Set("_journal_mode", defaultJournalMode)
	params.Set("_busy_timeout", defaultBusyTimeout)
	params.Set("_synchronous", defaultSynchronous)
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open policy store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping policy store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create policy store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save appends a policy and returns its row id.
func (s *Store) Save(ctx context.Context, p *policy.DFCPolicy) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (sources, sink, sink_alias, constraint_sql, on_fail, description, aggregate)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.Join(p.Sources, ","), p.Sink, p.SinkAlias, p.Constraint,
		string(p.OnFail), p.Description, boolToInt(p.Aggregate))
	if err != nil {
		return 0, fmt.Errorf("save policy: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save policy: %w", err)
	}
	return id, nil
}

// List returns every stored policy in insertion order. Rows that no
// longer validate are returned as errors rather than skipped.
func (s *Store) List(ctx context.Context) ([]*policy.DFCPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sources, sink, sink_alias, constraint_sql, on_fail, description, aggregate
		 FROM policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []*policy.DFCPolicy
	for rows.Next() {
		var sources, sink, alias, constraint, onFail, description string
		var aggregate int
		if err := rows.Scan(&sources, &sink, &alias, &constraint, &onFail, &description, &aggregate); err != nil {
			return nil, fmt.Errorf("list policies: %w", err)
		}
		resolution, err := policy.ParseResolution(onFail)
		if err != nil {
			return nil, fmt.Errorf("stored policy: %w", err)
		}
		p, err := policy.New(policy.DFCPolicy{
			Sources:     splitSources(sources),
			Sink:        sink,
			SinkAlias:   alias,
			Constraint:  constraint,
			OnFail:      resolution,
			Description: description,
			Aggregate:   aggregate != 0,
		})
		if err != nil {
			return nil, fmt.Errorf("stored policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes the first stored policy equal to p. It reports
// whether a row was deleted.
func (s *Store) Delete(ctx context.Context, p *policy.DFCPolicy) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM policies WHERE id = (
			SELECT id FROM policies
			WHERE sources = ? AND sink = ? AND sink_alias = ?
			  AND constraint_sql = ? AND on_fail = ? AND aggregate = ?
			ORDER BY id LIMIT 1)`,
		strings.Join(p.Sources, ","), p.Sink, p.SinkAlias, p.Constraint,
		string(p.OnFail), boolToInt(p.Aggregate))
	if err != nil {
		return false, fmt.Errorf("delete policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete policy: %w", err)
	}
	return n > 0, nil
}

func splitSources(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
