// Package sqlrewrite rewrites SELECT queries to enforce data flow
// control policies.
//
// Queries are parsed with the PostgreSQL parser (pg_query_go),
// policies are matched against the tables the query reads, and the
// policy constraints are compiled into predicates that are injected
// into the statement: into WHERE for scans, into HAVING for
// aggregations, or into a two-phase CTE pipeline that evaluates
// constraints against base table state instead of the filtered rows.
package sqlrewrite

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"dfcgate/policy"
)

// ColumnLookup reports whether a table has a column. Names are
// lowercased. The rewriter uses it to decide which side of a
// correlation predicate belongs to a subquery table; it never fails,
// an unknown table simply has no columns.
type ColumnLookup func(table, column string) bool

// Options controls how queries are rewritten.
type Options struct {
	// TwoPhase evaluates aggregation constraints in a separate
	// policy_eval CTE over the unfiltered base tables, instead of
	// injecting them into the query's own HAVING clause.
	TwoPhase bool
	// Lookup resolves table columns for correlation analysis. May be
	// nil, which disables EXISTS and IN subquery rewrites.
	Lookup ColumnLookup
}

// Result is the outcome of a rewrite attempt.
type Result struct {
	// SQL is the rewritten query, or the input unchanged when no
	// policy applied.
	SQL string
	// Applied reports whether any policy modified the query.
	Applied bool
	// Reason explains why nothing was applied. Empty when Applied.
	Reason string
}

// Transform rewrites a single SELECT statement so that every matching
// policy's constraint is enforced. Statements that are not SELECTs
// and queries that match no policy are returned unchanged.
func Transform(sql string, policies []*policy.DFCPolicy, opts Options) (Result, error) {
	parsed, err := pg_query.Parse(sql)
	if err != nil {
		return Result{}, fmt.Errorf("parse SQL: %w", err)
	}
	if len(parsed.Stmts) != 1 {
		return Result{SQL: sql, Reason: "expected a single statement"}, nil
	}

	sel := parsed.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil {
		// INSERT INTO sink SELECT ... is a transition: the read side
		// is rewritten like any other SELECT, in place.
		if ins := parsed.Stmts[0].Stmt.GetInsertStmt(); ins != nil && ins.SelectStmt != nil {
			return transformInsertSelect(parsed, ins, policies, opts, sql)
		}
		return Result{SQL: sql, Reason: "not a SELECT statement"}, nil
	}

	replacement, applied, err := transformSelect(sel, policies, opts)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{SQL: sql, Reason: "no matching policies"}, nil
	}
	if replacement != nil && replacement != sel {
		parsed.Stmts[0].Stmt = &pg_query.Node{
			Node: &pg_query.Node_SelectStmt{SelectStmt: replacement},
		}
	}

	out, err := pg_query.Deparse(parsed)
	if err != nil {
		return Result{}, fmt.Errorf("deparse SQL: %w", err)
	}
	return Result{SQL: out, Applied: true}, nil
}

// transformInsertSelect rewrites the SELECT half of an INSERT ... SELECT.
func transformInsertSelect(parsed *pg_query.ParseResult, ins *pg_query.InsertStmt, policies []*policy.DFCPolicy, opts Options, sql string) (Result, error) {
	inner := ins.SelectStmt.GetSelectStmt()
	if inner == nil {
		return Result{SQL: sql, Reason: "not a SELECT statement"}, nil
	}
	// VALUES lists parse as a SelectStmt without FROM; nothing to do.
	if len(inner.FromClause) == 0 && inner.Op == pg_query.SetOperation_SETOP_NONE {
		return Result{SQL: sql, Reason: "no matching policies"}, nil
	}

	replacement, applied, err := transformSelect(inner, policies, opts)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{SQL: sql, Reason: "no matching policies"}, nil
	}
	if replacement != nil && replacement != inner {
		ins.SelectStmt = &pg_query.Node{
			Node: &pg_query.Node_SelectStmt{SelectStmt: replacement},
		}
	}

	out, err := pg_query.Deparse(parsed)
	if err != nil {
		return Result{}, fmt.Errorf("deparse SQL: %w", err)
	}
	return Result{SQL: out, Applied: true}, nil
}

// transformSelect applies policies to one SELECT, recursing into set
// operation branches. It returns a replacement statement when the
// rewrite had to wrap the query in CTEs.
func transformSelect(sel *pg_query.SelectStmt, policies []*policy.DFCPolicy, opts Options) (*pg_query.SelectStmt, bool, error) {
	if sel == nil {
		return nil, false, nil
	}

	// UNION/INTERSECT/EXCEPT: each branch is rewritten on its own.
	if sel.Op != pg_query.SetOperation_SETOP_NONE {
		applied := false
		if sel.Larg != nil {
			repl, ok, err := transformSelect(sel.Larg, policies, opts)
			if err != nil {
				return nil, false, err
			}
			if repl != nil {
				sel.Larg = repl
			}
			applied = applied || ok
		}
		if sel.Rarg != nil {
			repl, ok, err := transformSelect(sel.Rarg, policies, opts)
			if err != nil {
				return nil, false, err
			}
			if repl != nil {
				sel.Rarg = repl
			}
			applied = applied || ok
		}
		return sel, applied, nil
	}

	tables := collectQueryTables(sel)
	matching := matchingPolicies(policies, tables)
	if len(matching) == 0 {
		return sel, false, nil
	}

	shape := classify(sel)

	// Subqueries and CTEs that hide a source table must expose the
	// columns the constraints read.
	ensureConstraintColumns(sel, matching)

	// Policies whose sources only appear inside EXISTS or IN
	// subqueries pull those subqueries up into joins, so the
	// constraint has something to reference.
	remaps := make(map[*policy.DFCPolicy]*sublinkRemap)
	for _, p := range matching {
		remap, err := rewriteSublinkSources(sel, p, opts.Lookup)
		if err != nil {
			return nil, false, err
		}
		if remap != nil {
			remaps[p] = remap
		}
	}

	preds := compilePredicates(sel, matching, shape, remaps)

	if shape.IsAggregation && opts.TwoPhase {
		repl, err := applyTwoPhase(sel, preds, shape)
		if err != nil {
			return nil, false, err
		}
		return repl, true, nil
	}

	repl, err := applyOnePhase(sel, preds, shape)
	if err != nil {
		return nil, false, err
	}
	return repl, true, nil
}

// matchingPolicies returns the policies that apply to a query over
// the given tables, preserving registration order.
func matchingPolicies(policies []*policy.DFCPolicy, tables map[string]struct{}) []*policy.DFCPolicy {
	var matching []*policy.DFCPolicy
	for _, p := range policies {
		if p.Matches(tables) {
			matching = append(matching, p)
		}
	}
	return matching
}

// collectQueryTables returns the lowercased names of every base table
// the query reads, including tables inside subqueries and CTE bodies.
// CTE names themselves are not base tables.
func collectQueryTables(sel *pg_query.SelectStmt) map[string]struct{} {
	tables := make(map[string]struct{})
	cteNames := make(map[string]struct{})
	collectCTENames(sel, cteNames)

	node := &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: sel}}
	for _, ref := range collectTableRefs(node) {
		lower := strings.ToLower(ref.table)
		if _, isCTE := cteNames[lower]; isCTE {
			continue
		}
		tables[lower] = struct{}{}
	}
	return tables
}
