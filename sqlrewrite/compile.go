package sqlrewrite

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"dfcgate/internal/pgast"
	"dfcgate/policy"
)

// compiledPredicate pairs an injectable constraint expression with
// the policy it came from.
type compiledPredicate struct {
	expr   *pg_query.Node
	policy *policy.DFCPolicy
}

// compilePredicates turns each matching policy's constraint into a
// predicate fit for the query's shape. Scan predicates have their
// aggregates flattened to row-level expressions; aggregation
// predicates keep them. Table qualifiers are remapped when a source
// is only visible through a subquery or CTE alias.
func compilePredicates(sel *pg_query.SelectStmt, matching []*policy.DFCPolicy, shape queryShape, remaps map[*policy.DFCPolicy]*sublinkRemap) []compiledPredicate {
	preds := make([]compiledPredicate, 0, len(matching))
	for _, p := range matching {
		pred := p.ConstraintAST()
		if r := remaps[p]; r != nil {
			r.applyToPredicate(pred)
		}
		if !shape.IsAggregation {
			flattenAggregates(pred)
		}
		if mapping := sourceAliasMapping(sel, p); len(mapping) > 0 {
			remapTableQualifiers(pred, mapping)
		}
		preds = append(preds, compiledPredicate{expr: pred, policy: p})
	}
	return preds
}

// flattenAggregates rewrites aggregate calls in a predicate into
// per-row expressions, in place:
//
//	max(t.x), min, sum, avg, ...  ->  t.x (the argument, verbatim)
//	count(...), count(*)          ->  1
//	count_if(cond)                ->  CASE WHEN cond THEN 1 ELSE 0 END
//	array_agg(x)                  ->  ARRAY[x]
func flattenAggregates(pred *pg_query.Node) {
	pgast.Walk(pred, func(n *pg_query.Node) {
		fc := n.GetFuncCall()
		if fc == nil || fc.Over != nil || !pgast.IsAggregateFunction(pgast.FuncName(fc)) {
			return
		}
		n.Node = flattenedAggregate(fc).Node
	})
}

func flattenedAggregate(fc *pg_query.FuncCall) *pg_query.Node {
	switch pgast.FuncName(fc) {
	case "count", "count_star", "approx_count_distinct", "approx_distinct", "regr_count":
		return makeIntegerConst(1)
	case "count_if":
		if len(fc.Args) == 1 {
			return makeCaseWhen(fc.Args[0], makeIntegerConst(1), makeIntegerConst(0))
		}
		return makeIntegerConst(1)
	case "array_agg":
		if len(fc.Args) == 1 {
			return &pg_query.Node{
				Node: &pg_query.Node_AArrayExpr{
					AArrayExpr: &pg_query.A_ArrayExpr{
						Elements: []*pg_query.Node{fc.Args[0]},
					},
				},
			}
		}
	}
	if len(fc.Args) == 0 {
		return makeIntegerConst(1)
	}
	return fc.Args[0]
}

// wrapKill turns a predicate into an expression that aborts the
// query when the predicate fails:
//
//	CASE WHEN pred THEN true ELSE kill() END
func wrapKill(pred *pg_query.Node) *pg_query.Node {
	return makeCaseWhen(pred, makeBoolConst(true), makeFuncCall("kill"))
}

// remapTableQualifiers rewrites column qualifiers in a predicate
// according to mapping (lowercased table name to replacement).
func remapTableQualifiers(pred *pg_query.Node, mapping map[string]string) {
	pgast.Walk(pred, func(n *pg_query.Node) {
		ref := n.GetColumnRef()
		if ref == nil || len(ref.Fields) < 2 {
			return
		}
		qualifier := ref.Fields[len(ref.Fields)-2].GetString_()
		if qualifier == nil {
			return
		}
		if replacement, ok := mapping[strings.ToLower(qualifier.Sval)]; ok {
			qualifier.Sval = replacement
		}
	})
}

// byResolution splits compiled predicates by their policy's
// resolution, preserving order within each group.
func byResolution(preds []compiledPredicate) (remove, kill, invalidate []compiledPredicate) {
	for _, pred := range preds {
		switch pred.policy.OnFail {
		case policy.Remove:
			remove = append(remove, pred)
		case policy.Kill:
			kill = append(kill, pred)
		case policy.Invalidate:
			invalidate = append(invalidate, pred)
		}
	}
	return remove, kill, invalidate
}
