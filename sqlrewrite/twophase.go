package sqlrewrite

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"

	"dfcgate/internal/pgast"
)

// Two-phase rewriting evaluates aggregation constraints against the
// unfiltered base tables instead of the query's own (possibly
// filtered and projected) result. The query becomes:
//
//	WITH base_query AS (<original query>),
//	     policy_eval AS (<same FROM/WHERE/GROUP BY, constraints in HAVING>)
//	SELECT base_query.* FROM base_query JOIN policy_eval ON <group keys>
//
// Ungrouped aggregations produce a single policy_eval row keyed by a
// constant, joined with CROSS JOIN.

const (
	baseQueryCTE    = "base_query"
	policyEvalCTE   = "policy_eval"
	verdictCTE      = "cte"
	twoPhaseKeyName = "__dfc_two_phase_key"
)

func cloneNode(n *pg_query.Node) *pg_query.Node {
	if n == nil {
		return nil
	}
	return proto.Clone(n).(*pg_query.Node)
}

func cloneNodes(nodes []*pg_query.Node) []*pg_query.Node {
	if nodes == nil {
		return nil
	}
	out := make([]*pg_query.Node, len(nodes))
	for i, n := range nodes {
		out[i] = cloneNode(n)
	}
	return out
}

// applyTwoPhase rewrites an aggregation query into the two-phase CTE
// pipeline. Scans never reach here; the caller keeps them on the
// one-phase path.
func applyTwoPhase(sel *pg_query.SelectStmt, preds []compiledPredicate, shape queryShape) (*pg_query.SelectStmt, error) {
	remove, kill, invalidate := byResolution(preds)

	keyNames, keysOK := shape.groupKeyNames()
	if len(sel.GroupClause) > 0 && !keysOK {
		// Grouping on expressions that are not plain columns leaves
		// no join key to correlate on; fall back to direct HAVING
		// injection.
		return applyOnePhase(sel, preds, shape)
	}
	// The outer join references the group keys through base_query, so
	// the original SELECT list must project them.
	if len(keyNames) > 0 && !selectExposes(sel, keyNames) {
		return applyOnePhase(sel, preds, shape)
	}

	// A limited REMOVE aggregation threads verdict columns through a
	// third CTE so the limit applies before filtering.
	thread := sel.LimitCount != nil && len(remove) > 0
	var outCols []string
	if thread {
		var ok bool
		outCols, ok = outputColumnNames(sel.TargetList)
		if !ok {
			thread = false
		}
	}

	var ctes []*pg_query.Node
	if sel.WithClause != nil {
		ctes = append(ctes, sel.WithClause.Ctes...)
		sel.WithClause = nil
	}

	eval := &pg_query.SelectStmt{
		Op:             pg_query.SetOperation_SETOP_NONE,
		DistinctClause: cloneNodes(sel.DistinctClause),
		FromClause:     cloneNodes(sel.FromClause),
		WhereClause:    cloneNode(sel.WhereClause),
		GroupClause:    cloneNodes(sel.GroupClause),
	}
	if len(sel.GroupClause) == 0 {
		eval.TargetList = []*pg_query.Node{
			makeResTarget(twoPhaseKeyName, makeIntegerConst(1)),
		}
	} else {
		// Group keys project under their own column names, so the
		// outer join can reference them on both sides.
		for _, g := range sel.GroupClause {
			eval.TargetList = append(eval.TargetList, makeResTarget("", cloneNode(g)))
		}
	}

	if thread {
		for i, p := range remove {
			eval.TargetList = append(eval.TargetList, makeResTarget(verdictName(i), p.expr))
		}
	} else {
		for _, p := range remove {
			eval.HavingClause = conjoin(eval.HavingClause, p.expr)
		}
	}
	for _, p := range kill {
		eval.HavingClause = conjoin(eval.HavingClause, wrapKill(p.expr))
	}
	if len(invalidate) > 0 {
		eval.TargetList = append(eval.TargetList,
			makeResTarget("valid", combinedInvalidateExpr(invalidate)))
	}

	// Join base_query to policy_eval on the group keys; without keys
	// the single policy_eval row is cross joined.
	var quals *pg_query.Node
	if len(keyNames) > 0 {
		eqs := make([]*pg_query.Node, 0, len(keyNames))
		for _, key := range keyNames {
			eqs = append(eqs, makeEqualsExpr(
				makeColumnRef(baseQueryCTE, key),
				makeColumnRef(policyEvalCTE, key),
			))
		}
		quals = combineWithAnd(eqs)
	}
	join := makeJoin(pg_query.JoinType_JOIN_INNER,
		makeRangeVar(baseQueryCTE), makeRangeVar(policyEvalCTE), quals)

	if thread {
		return buildVerdictPipeline(sel, eval, join, ctes, remove, invalidate, outCols), nil
	}

	// ORDER BY and LIMIT re-apply on the outermost query; the join
	// does not preserve the CTE's order.
	ctes = append(ctes, makeCTE(baseQueryCTE, sel), makeCTE(policyEvalCTE, eval))
	outer := &pg_query.SelectStmt{
		Op:          pg_query.SetOperation_SETOP_NONE,
		TargetList:  []*pg_query.Node{makeResTarget("", makeStarRef(baseQueryCTE))},
		FromClause:  []*pg_query.Node{join},
		WithClause:  &pg_query.WithClause{Ctes: ctes},
		SortClause:  sel.SortClause,
		LimitCount:  sel.LimitCount,
		LimitOffset: sel.LimitOffset,
		LimitOption: sel.LimitOption,
	}
	sel.SortClause = nil
	sel.LimitCount = nil
	sel.LimitOffset = nil
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_DEFAULT
	if len(invalidate) > 0 {
		outer.TargetList = append(outer.TargetList,
			makeResTarget("valid", makeColumnRef(policyEvalCTE, "valid")))
	}
	return outer, nil
}

// selectExposes reports whether every name is an output column of the
// SELECT list. A bare star target exposes every base column.
func selectExposes(sel *pg_query.SelectStmt, names []string) bool {
	outCols, ok := outputColumnNames(sel.TargetList)
	if !ok {
		for _, target := range sel.TargetList {
			rt := target.GetResTarget()
			if rt == nil || rt.Val == nil {
				continue
			}
			if ref := rt.Val.GetColumnRef(); ref != nil {
				if _, column := pgast.ColumnParts(ref); column == "*" {
					return true
				}
			}
		}
		return false
	}
	have := make(map[string]struct{}, len(outCols))
	for _, col := range outCols {
		have[strings.ToLower(col)] = struct{}{}
	}
	for _, name := range names {
		if _, ok := have[strings.ToLower(name)]; !ok {
			return false
		}
	}
	return true
}

// buildVerdictPipeline moves the query's ORDER BY/LIMIT into a third
// CTE that joins base_query with policy_eval and carries the verdict
// columns, then filters on them after the limit:
//
//	WITH base_query AS (...), policy_eval AS (...),
//	     cte AS (SELECT base_query.*, policy_eval.dfc AS dfc
//	             FROM base_query JOIN policy_eval ON ... ORDER BY ... LIMIT n)
//	SELECT <output columns> FROM cte WHERE dfc
func buildVerdictPipeline(sel, eval *pg_query.SelectStmt, join *pg_query.Node, ctes []*pg_query.Node, remove, invalidate []compiledPredicate, outCols []string) *pg_query.SelectStmt {
	mid := &pg_query.SelectStmt{
		Op:          pg_query.SetOperation_SETOP_NONE,
		TargetList:  []*pg_query.Node{makeResTarget("", makeStarRef(baseQueryCTE))},
		FromClause:  []*pg_query.Node{join},
		SortClause:  sel.SortClause,
		LimitCount:  sel.LimitCount,
		LimitOffset: sel.LimitOffset,
		LimitOption: sel.LimitOption,
	}
	sel.SortClause = nil
	sel.LimitCount = nil
	sel.LimitOffset = nil
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_DEFAULT

	var verdictRefs []*pg_query.Node
	for i := range remove {
		name := verdictName(i)
		mid.TargetList = append(mid.TargetList,
			makeResTarget(name, makeColumnRef(policyEvalCTE, name)))
		verdictRefs = append(verdictRefs, makeColumnRef("", name))
	}
	if len(invalidate) > 0 {
		mid.TargetList = append(mid.TargetList,
			makeResTarget("valid", makeColumnRef(policyEvalCTE, "valid")))
		outCols = append(outCols, "valid")
	}

	ctes = append(ctes,
		makeCTE(baseQueryCTE, sel),
		makeCTE(policyEvalCTE, eval),
		makeCTE(verdictCTE, mid))

	outer := &pg_query.SelectStmt{
		Op:          pg_query.SetOperation_SETOP_NONE,
		FromClause:  []*pg_query.Node{makeRangeVar(verdictCTE)},
		WhereClause: combineWithAnd(verdictRefs),
		WithClause:  &pg_query.WithClause{Ctes: ctes},
	}
	for _, col := range outCols {
		outer.TargetList = append(outer.TargetList, makeResTarget("", makeColumnRef("", col)))
	}
	return outer
}
