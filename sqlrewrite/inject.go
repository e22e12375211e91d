package sqlrewrite

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"dfcgate/internal/pgast"
)

// applyOnePhase injects compiled predicates directly into the query:
// WHERE for scans, HAVING for aggregations. KILL predicates are
// wrapped so a violation aborts the query, INVALIDATE predicates
// become a boolean 'valid' output column.
func applyOnePhase(sel *pg_query.SelectStmt, preds []compiledPredicate, shape queryShape) (*pg_query.SelectStmt, error) {
	remove, kill, invalidate := byResolution(preds)

	// A scan with LIMIT must apply the limit before REMOVE filtering,
	// so the verdicts are threaded through a wrapping CTE instead.
	if !shape.IsAggregation && sel.LimitCount != nil && len(remove) > 0 {
		if wrapped, ok := threadScanVerdicts(sel, remove, kill, invalidate); ok {
			return wrapped, nil
		}
	}

	for _, p := range remove {
		injectPredicate(sel, p.expr, shape)
	}
	for _, p := range kill {
		injectPredicate(sel, wrapKill(p.expr), shape)
	}
	if len(invalidate) > 0 {
		addValidColumn(sel, combinedInvalidateExpr(invalidate))
	}
	return sel, nil
}

// injectPredicate ANDs a predicate into the clause the shape calls
// for, creating the clause when absent.
func injectPredicate(sel *pg_query.SelectStmt, pred *pg_query.Node, shape queryShape) {
	if shape.IsAggregation {
		sel.HavingClause = conjoin(sel.HavingClause, pred)
		return
	}
	sel.WhereClause = conjoin(sel.WhereClause, pred)
}

func conjoin(existing, pred *pg_query.Node) *pg_query.Node {
	if existing == nil {
		return pred
	}
	return makeAndExpr(existing, pred)
}

// combinedInvalidateExpr ANDs every INVALIDATE predicate into the
// single expression behind the 'valid' column.
func combinedInvalidateExpr(invalidate []compiledPredicate) *pg_query.Node {
	exprs := make([]*pg_query.Node, 0, len(invalidate))
	for _, p := range invalidate {
		exprs = append(exprs, p.expr)
	}
	return combineWithAnd(exprs)
}

// addValidColumn appends "(expr) AS valid" to the projection.
func addValidColumn(sel *pg_query.SelectStmt, expr *pg_query.Node) {
	sel.TargetList = append(sel.TargetList, makeResTarget("valid", expr))
}

// verdictName returns the output column name for the i-th REMOVE
// verdict: dfc, dfc2, dfc3, ...
func verdictName(i int) string {
	if i == 0 {
		return "dfc"
	}
	return fmt.Sprintf("dfc%d", i+1)
}

// threadScanVerdicts wraps a limited scan in a CTE that carries one
// boolean verdict column per REMOVE policy, filtering in an outer
// SELECT after the limit has been applied:
//
//	WITH cte AS (SELECT id, value, (pred) AS dfc FROM t ... LIMIT n)
//	SELECT id, value FROM cte WHERE dfc
//
// Returns false when the query's output columns cannot be named, in
// which case the caller falls back to plain injection.
func threadScanVerdicts(sel *pg_query.SelectStmt, remove, kill, invalidate []compiledPredicate) (*pg_query.SelectStmt, bool) {
	outCols, ok := outputColumnNames(sel.TargetList)
	if !ok {
		return nil, false
	}

	for _, p := range kill {
		sel.WhereClause = conjoin(sel.WhereClause, wrapKill(p.expr))
	}
	if len(invalidate) > 0 {
		addValidColumn(sel, combinedInvalidateExpr(invalidate))
		outCols = append(outCols, "valid")
	}

	var verdictRefs []*pg_query.Node
	for i, p := range remove {
		name := verdictName(i)
		sel.TargetList = append(sel.TargetList, makeResTarget(name, p.expr))
		verdictRefs = append(verdictRefs, makeColumnRef("", name))
	}

	outer := &pg_query.SelectStmt{
		Op:          pg_query.SetOperation_SETOP_NONE,
		FromClause:  []*pg_query.Node{makeRangeVar("cte")},
		WhereClause: combineWithAnd(verdictRefs),
	}
	for _, col := range outCols {
		outer.TargetList = append(outer.TargetList, makeResTarget("", makeColumnRef("", col)))
	}

	// Any CTEs on the original query are hoisted above the wrapper.
	var ctes []*pg_query.Node
	if sel.WithClause != nil {
		ctes = append(ctes, sel.WithClause.Ctes...)
		sel.WithClause = nil
	}
	ctes = append(ctes, makeCTE("cte", sel))
	outer.WithClause = &pg_query.WithClause{Ctes: ctes}

	return outer, true
}

// outputColumnNames derives the output column name of every
// projection entry. Fails when a target is a star or an unaliased
// expression.
func outputColumnNames(targets []*pg_query.Node) ([]string, bool) {
	names := make([]string, 0, len(targets))
	for _, target := range targets {
		rt := target.GetResTarget()
		if rt == nil {
			return nil, false
		}
		if rt.Name != "" {
			names = append(names, rt.Name)
			continue
		}
		ref := rt.Val.GetColumnRef()
		if ref == nil {
			return nil, false
		}
		_, column := pgast.ColumnParts(ref)
		if column == "" || column == "*" {
			return nil, false
		}
		names = append(names, column)
	}
	return names, true
}
