// Package engine executes SQL against DuckDB through the policy
// rewriter. It owns the database connection, registers the kill()
// UDF, validates policies against the live catalog, and transforms
// every query before it runs.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"

	"dfcgate/internal/pgast"
	"dfcgate/policy"
	"dfcgate/sqlrewrite"
)

// Engine wraps a DuckDB connection and enforces DFC policies by
// rewriting queries before execution. All statements run on a single
// pinned connection so the kill() UDF and any temporary state stay
// visible.
type Engine struct {
	db       *sql.DB
	conn     *sql.Conn
	logger   *slog.Logger
	twoPhase bool

	mu       sync.RWMutex
	policies []*policy.DFCPolicy
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTwoPhase enables the two-phase rewrite for aggregation queries.
func WithTwoPhase(enabled bool) Option {
	return func(e *Engine) { e.twoPhase = enabled }
}

// New opens a DuckDB database at dsn (empty for in-memory), pins a
// connection, and registers the kill() UDF on it.
func New(ctx context.Context, dsn string, opts ...Option) (*Engine, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pin duckdb connection: %w", err)
	}

	e := &Engine{db: db, conn: conn, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	if err := registerKillUDF(conn); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the pinned connection and the database.
func (e *Engine) Close() error {
	connErr := e.conn.Close()
	dbErr := e.db.Close()
	if connErr != nil {
		return connErr
	}
	return dbErr
}

// RegisterPolicy validates a policy against the live catalog and adds
// it to the policy list. Every source and sink table must exist and
// every constraint column must exist in the table it is qualified
// with. On any error the policy list is left untouched.
func (e *Engine) RegisterPolicy(ctx context.Context, p *policy.DFCPolicy) error {
	for _, source := range p.Sources {
		if !e.TableExists(ctx, source) {
			return fmt.Errorf("Source table '%s' does not exist in the database", source)
		}
	}
	if p.Sink != "" && !e.TableExists(ctx, p.Sink) {
		return fmt.Errorf("Sink table '%s' does not exist in the database", p.Sink)
	}

	if err := e.validateConstraintColumns(ctx, p); err != nil {
		return err
	}

	e.mu.Lock()
	e.policies = append(e.policies, p)
	e.mu.Unlock()
	e.logger.Info("registered policy", "policy", p.Identifier())
	return nil
}

// RegisterPolicyString parses a single-line policy string and
// registers the result.
func (e *Engine) RegisterPolicyString(ctx context.Context, text string) (*policy.DFCPolicy, error) {
	p, err := policy.FromPolicyString(text)
	if err != nil {
		return nil, err
	}
	if err := e.RegisterPolicy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) validateConstraintColumns(ctx context.Context, p *policy.DFCPolicy) error {
	columnsOf := make(map[string]map[string]struct{})
	tableColumns := func(table string) (map[string]struct{}, error) {
		lower := strings.ToLower(table)
		if cols, ok := columnsOf[lower]; ok {
			return cols, nil
		}
		cols, err := e.TableColumns(ctx, table)
		if err != nil {
			return nil, err
		}
		columnsOf[lower] = cols
		return cols, nil
	}

	for _, ref := range p.ConstraintColumns() {
		qualifier, column := pgast.ColumnParts(ref)
		if qualifier == "" || column == "*" {
			continue
		}
		col := strings.ToLower(column)

		switch p.RoleOf(qualifier) {
		case policy.RoleSource:
			cols, err := tableColumns(qualifier)
			if err != nil {
				return err
			}
			if _, ok := cols[col]; !ok {
				return fmt.Errorf(
					"Column '%s.%s' referenced in constraint does not exist in source table '%s'",
					qualifier, col, qualifier)
			}
		case policy.RoleSink:
			cols, err := tableColumns(p.Sink)
			if err != nil {
				return err
			}
			if _, ok := cols[col]; !ok {
				return fmt.Errorf(
					"Column '%s.%s' referenced in constraint does not exist in sink table '%s'",
					qualifier, col, p.Sink)
			}
		default:
			return fmt.Errorf(
				"Column '%s.%s' referenced in constraint references table '%s', which is not the source ('%s') or sink ('%s')",
				qualifier, col, qualifier, strings.Join(p.Sources, ", "), p.Sink)
		}
	}
	return nil
}

// Policies returns a copy of the registered policy list in
// registration order.
func (e *Engine) Policies() []*policy.DFCPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*policy.DFCPolicy, len(e.policies))
	copy(out, e.policies)
	return out
}

// DeletePolicy removes the first registered policy equal to p. It
// reports whether a policy was removed.
func (e *Engine) DeletePolicy(p *policy.DFCPolicy) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.policies {
		if existing.Equal(p) {
			e.policies = append(e.policies[:i], e.policies[i+1:]...)
			return true
		}
	}
	return false
}

// Transform rewrites a query under the registered policies and
// reports whether anything was applied. Rewrite errors are returned
// to the caller.
func (e *Engine) Transform(ctx context.Context, query string) (sqlrewrite.Result, error) {
	e.mu.RLock()
	policies := e.policies
	e.mu.RUnlock()

	return sqlrewrite.Transform(query, policies, sqlrewrite.Options{
		TwoPhase: e.twoPhase,
		Lookup:   e.columnLookup(ctx),
	})
}

// TransformQuery rewrites a query and returns the SQL string. Any
// rewrite error falls back to the original query, so a statement the
// rewriter cannot handle still executes unmodified.
func (e *Engine) TransformQuery(ctx context.Context, query string) string {
	res, err := e.Transform(ctx, query)
	if err != nil {
		e.logger.Warn("query rewrite failed, executing original", "error", err)
		return query
	}
	return res.SQL
}

// Execute transforms a query and runs it, returning the rows.
func (e *Engine) Execute(ctx context.Context, query string) (*sql.Rows, error) {
	return e.conn.QueryContext(ctx, e.TransformQuery(ctx, query))
}

// Run executes a statement verbatim on the pinned connection, without
// rewriting. Callers that already hold transformed SQL use this to
// avoid a second rewrite.
func (e *Engine) Run(ctx context.Context, query string) (*sql.Rows, error) {
	return e.conn.QueryContext(ctx, query)
}

// Exec transforms a statement and runs it without returning rows.
// Intended for DDL and INSERTs.
func (e *Engine) Exec(ctx context.Context, query string) error {
	_, err := e.conn.ExecContext(ctx, e.TransformQuery(ctx, query))
	return err
}

// FetchAll executes a query and returns every row as a column-name
// keyed map.
func (e *Engine) FetchAll(ctx context.Context, query string) ([]map[string]any, error) {
	rows, err := e.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// FetchOne executes a query and returns the first row, or nil when
// the result is empty.
func (e *Engine) FetchOne(ctx context.Context, query string) (map[string]any, error) {
	all, err := e.FetchAll(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[0], nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
