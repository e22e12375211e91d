package engine

import (
	"context"
	"fmt"
	"strings"

	"dfcgate/sqlrewrite"
)

// TableExists reports whether a table exists in the main schema.
// Lookup errors read as false.
func (e *Engine) TableExists(ctx context.Context, table string) bool {
	var name string
	err := e.conn.QueryRowContext(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'main' AND lower(table_name) = ?`,
		strings.ToLower(table)).Scan(&name)
	return err == nil
}

// TableColumns returns the lowercased column names of a table in the
// main schema.
func (e *Engine) TableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	if !e.TableExists(ctx, table) {
		return nil, fmt.Errorf("Table '%s' does not exist in the database", table)
	}

	rows, err := e.conn.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'main' AND lower(table_name) = ?`,
		strings.ToLower(table))
	if err != nil {
		return nil, fmt.Errorf("Failed to get columns for table '%s': %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("Failed to get columns for table '%s': %w", table, err)
		}
		cols[strings.ToLower(name)] = struct{}{}
	}
	return cols, rows.Err()
}

// columnLookup adapts the catalog to the rewriter's correlation
// analysis. Results are cached per table for the duration of one
// lookup closure.
func (e *Engine) columnLookup(ctx context.Context) sqlrewrite.ColumnLookup {
	cache := make(map[string]map[string]struct{})
	return func(table, column string) bool {
		lower := strings.ToLower(table)
		cols, ok := cache[lower]
		if !ok {
			var err error
			cols, err = e.TableColumns(ctx, table)
			if err != nil {
				cols = map[string]struct{}{}
			}
			cache[lower] = cols
		}
		_, ok = cols[strings.ToLower(column)]
		return ok
	}
}
