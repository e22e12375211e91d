package sqlrewrite

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"dfcgate/internal/pgast"
	"dfcgate/policy"
)

// Sources are not always visible at the top level of a query: they
// may be wrapped in a FROM subquery, defined behind a CTE, or only
// touched inside an EXISTS/IN subquery in WHERE. This file makes
// such sources reachable for constraint predicates.

// sourceAliasMapping maps each of the policy's sources that is hidden
// behind a subquery or CTE to the qualifier visible at the top level.
// Sources read directly in FROM need no remapping even when aliased.
func sourceAliasMapping(sel *pg_query.SelectStmt, p *policy.DFCPolicy) map[string]string {
	var mapping map[string]string
	for _, source := range p.Sources {
		if hasTopLevelTable(sel, source) {
			continue
		}
		qualifier, ok := findSubselectAlias(sel, source)
		if !ok {
			qualifier, ok = findCTEQualifier(sel, source)
		}
		if ok {
			if mapping == nil {
				mapping = make(map[string]string)
			}
			mapping[strings.ToLower(source)] = qualifier
		}
	}
	return mapping
}

// findSubselectAlias finds a FROM subquery whose body reads the
// table and returns its alias.
func findSubselectAlias(sel *pg_query.SelectStmt, table string) (string, bool) {
	var alias string
	found := false
	for _, from := range sel.FromClause {
		walkFromSubselects(from, func(sub *pg_query.RangeSubselect) {
			if found || sub.Alias == nil {
				return
			}
			if nodeReferencesTable(sub.Subquery, table) {
				alias = sub.Alias.Aliasname
				found = true
			}
		})
	}
	return alias, found
}

// findCTEQualifier finds a CTE whose body reads the table and that is
// itself referenced in FROM, returning the qualifier under which the
// CTE's columns are visible.
func findCTEQualifier(sel *pg_query.SelectStmt, table string) (string, bool) {
	if sel.WithClause == nil {
		return "", false
	}
	for _, cteNode := range sel.WithClause.Ctes {
		cte := cteNode.GetCommonTableExpr()
		if cte == nil || !nodeReferencesTable(cte.Ctequery, table) {
			continue
		}
		for _, ref := range topLevelFromRefs(sel) {
			if strings.EqualFold(ref.table, cte.Ctename) {
				return ref.qualifier(), true
			}
		}
	}
	return "", false
}

func walkFromSubselects(node *pg_query.Node, fn func(*pg_query.RangeSubselect)) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeSubselect:
		fn(n.RangeSubselect)
	case *pg_query.Node_JoinExpr:
		walkFromSubselects(n.JoinExpr.Larg, fn)
		walkFromSubselects(n.JoinExpr.Rarg, fn)
	}
}

func nodeReferencesTable(node *pg_query.Node, table string) bool {
	for _, ref := range collectTableRefs(node) {
		if strings.EqualFold(ref.table, table) {
			return true
		}
	}
	return false
}

// ensureConstraintColumns appends the constraint columns each policy
// needs to the SELECT lists of FROM subqueries and CTEs that wrap a
// source table, so the injected predicates can reference them through
// the subquery alias. Subqueries that project * already expose
// everything; grouped subqueries are left alone since a bare column
// would break them.
func ensureConstraintColumns(sel *pg_query.SelectStmt, matching []*policy.DFCPolicy) {
	for _, p := range matching {
		for _, source := range p.Sources {
			needed := p.SortedNeededColumns(source)
			if len(needed) == 0 {
				continue
			}
			for _, from := range sel.FromClause {
				walkFromSubselects(from, func(sub *pg_query.RangeSubselect) {
					if inner := sub.Subquery.GetSelectStmt(); inner != nil && nodeReferencesTable(sub.Subquery, source) {
						addColumnsToSelect(inner, source, needed)
					}
				})
			}
			if sel.WithClause != nil {
				for _, cteNode := range sel.WithClause.Ctes {
					cte := cteNode.GetCommonTableExpr()
					if cte == nil {
						continue
					}
					if inner := cte.Ctequery.GetSelectStmt(); inner != nil && nodeReferencesTable(cte.Ctequery, source) {
						addColumnsToSelect(inner, source, needed)
					}
				}
			}
		}
	}
}

func addColumnsToSelect(inner *pg_query.SelectStmt, source string, cols []string) {
	if inner == nil {
		return
	}
	if inner.Op != pg_query.SetOperation_SETOP_NONE {
		addColumnsToSelect(inner.Larg, source, cols)
		addColumnsToSelect(inner.Rarg, source, cols)
		return
	}
	if len(inner.GroupClause) > 0 {
		return
	}

	existing := make(map[string]struct{}, len(inner.TargetList))
	for _, target := range inner.TargetList {
		rt := target.GetResTarget()
		if rt == nil {
			continue
		}
		if rt.Name != "" {
			existing[strings.ToLower(rt.Name)] = struct{}{}
			continue
		}
		if ref := rt.Val.GetColumnRef(); ref != nil {
			_, column := pgast.ColumnParts(ref)
			if column == "*" {
				// SELECT * already exposes every column.
				return
			}
			existing[strings.ToLower(column)] = struct{}{}
		}
	}

	// Qualify appended columns with the name the source goes by
	// inside the subquery.
	qualifier := source
	for _, ref := range topLevelFromRefs(inner) {
		if strings.EqualFold(ref.table, source) {
			qualifier = ref.qualifier()
			break
		}
	}

	for _, col := range cols {
		if _, ok := existing[col]; ok {
			continue
		}
		inner.TargetList = append(inner.TargetList, makeResTarget("", makeColumnRef(qualifier, col)))
	}
}

// sublinkRemap records how constraint aggregates must be rewritten
// after an EXISTS/IN subquery was pulled up into a join: the i-th
// aggregate over a source becomes the same aggregate over the derived
// table's agg_i column.
type sublinkRemap struct {
	entries map[string]*sublinkEntry // keyed by lowercased source
}

type sublinkEntry struct {
	alias   string
	aggCols []string
	next    int
}

func (r *sublinkRemap) applyToPredicate(pred *pg_query.Node) {
	for _, entry := range r.entries {
		entry.next = 0
	}
	pgast.Walk(pred, func(n *pg_query.Node) {
		fc := n.GetFuncCall()
		if fc == nil || fc.Over != nil || !pgast.IsAggregateFunction(pgast.FuncName(fc)) {
			return
		}
		for source, entry := range r.entries {
			if !funcReferencesTable(fc, source) || entry.next >= len(entry.aggCols) {
				continue
			}
			fc.Args = []*pg_query.Node{makeColumnRef(entry.alias, entry.aggCols[entry.next])}
			fc.AggStar = false
			fc.AggDistinct = false
			entry.next++
			break
		}
	})
}

func funcReferencesTable(fc *pg_query.FuncCall, table string) bool {
	for _, arg := range fc.Args {
		for _, ref := range pgast.Columns(arg) {
			t, _ := pgast.ColumnParts(ref)
			if strings.EqualFold(t, table) {
				return true
			}
		}
	}
	return false
}

// rewriteSublinkSources handles policy sources that the query only
// touches inside an EXISTS or IN subquery in WHERE. The subquery is
// replaced by an inner join against a derived table that groups the
// source by the correlation key and pre-computes the constraint's
// aggregates. Returns nil when every source is visible in FROM.
func rewriteSublinkSources(sel *pg_query.SelectStmt, p *policy.DFCPolicy, lookup ColumnLookup) (*sublinkRemap, error) {
	var remap *sublinkRemap
	for _, source := range p.Sources {
		if sourceVisibleInFrom(sel, source) {
			continue
		}
		if lookup == nil {
			return nil, fmt.Errorf("source table '%s' is only referenced in a subquery and no schema is available to rewrite it", source)
		}
		entry, err := pullUpSublink(sel, p, source, lookup)
		if err != nil {
			return nil, err
		}
		if remap == nil {
			remap = &sublinkRemap{entries: make(map[string]*sublinkEntry)}
		}
		remap.entries[strings.ToLower(source)] = entry
	}
	return remap, nil
}

// sourceVisibleInFrom reports whether the source is reachable through
// the FROM clause: directly, via a subquery, or via a CTE.
func sourceVisibleInFrom(sel *pg_query.SelectStmt, source string) bool {
	if hasTopLevelTable(sel, source) {
		return true
	}
	if _, ok := findSubselectAlias(sel, source); ok {
		return true
	}
	if _, ok := findCTEQualifier(sel, source); ok {
		return true
	}
	return false
}

// pullUpSublink finds the EXISTS/IN subquery reading the source and
// converts it to a derived-table join.
func pullUpSublink(sel *pg_query.SelectStmt, p *policy.DFCPolicy, source string, lookup ColumnLookup) (*sublinkEntry, error) {
	where := conjuncts(sel.WhereClause)
	for i, conjunct := range where {
		link := conjunct.GetSubLink()
		if link == nil || !nodeReferencesTable(link.Subselect, source) {
			continue
		}
		switch link.SubLinkType {
		case pg_query.SubLinkType_EXISTS_SUBLINK:
			return pullUpExists(sel, p, source, link, where, i, lookup)
		case pg_query.SubLinkType_ANY_SUBLINK:
			return pullUpIn(sel, p, source, link, where, i)
		}
	}
	return nil, fmt.Errorf("source table '%s' is not visible in FROM and no rewritable EXISTS/IN subquery references it", source)
}

func pullUpExists(sel *pg_query.SelectStmt, p *policy.DFCPolicy, source string, link *pg_query.SubLink, where []*pg_query.Node, linkIdx int, lookup ColumnLookup) (*sublinkEntry, error) {
	subsel := link.Subselect.GetSelectStmt()
	if subsel == nil {
		return nil, fmt.Errorf("EXISTS subquery for source '%s' is not a SELECT", source)
	}

	innerQual := ""
	for _, ref := range topLevelFromRefs(subsel) {
		if strings.EqualFold(ref.table, source) {
			innerQual = ref.qualifier()
			break
		}
	}
	if innerQual == "" {
		return nil, fmt.Errorf("source table '%s' is nested too deeply in the EXISTS subquery to rewrite", source)
	}

	// Split the subquery's WHERE into the correlation equality and
	// conjuncts local to the source table.
	var (
		innerKey  *pg_query.Node // correlation column inside the subquery
		outerKey  *pg_query.Node // the outer query's side of the correlation
		locals    []*pg_query.Node
		innerName string
	)
	for _, conjunct := range conjuncts(subsel.WhereClause) {
		inner, outer, ok := splitCorrelation(conjunct, source, innerQual, lookup)
		if ok && innerKey == nil {
			innerKey = inner
			outerKey = outer
			_, innerName = pgast.ColumnParts(inner.GetColumnRef())
			continue
		}
		if refsOnlyTable(conjunct, source, innerQual, lookup) {
			locals = append(locals, conjunct)
			continue
		}
		return nil, fmt.Errorf("EXISTS subquery for source '%s' has a predicate the rewrite cannot carry over", source)
	}
	if innerKey == nil {
		return nil, fmt.Errorf("EXISTS subquery for source '%s' has no equality correlation with the outer query", source)
	}

	return attachDerivedTable(sel, p, source, derivedSpec{
		alias:     "exists_subquery",
		innerQual: innerQual,
		innerKey:  innerKey,
		innerName: innerName,
		outerKey:  outerKey,
		from:      cloneNodes(subsel.FromClause),
		locals:    cloneNodes(locals),
	}, where, linkIdx)
}

func pullUpIn(sel *pg_query.SelectStmt, p *policy.DFCPolicy, source string, link *pg_query.SubLink, where []*pg_query.Node, linkIdx int) (*sublinkEntry, error) {
	subsel := link.Subselect.GetSelectStmt()
	if subsel == nil || len(subsel.TargetList) != 1 {
		return nil, fmt.Errorf("IN subquery for source '%s' must select exactly one column", source)
	}
	rt := subsel.TargetList[0].GetResTarget()
	if rt == nil || rt.Val.GetColumnRef() == nil {
		return nil, fmt.Errorf("IN subquery for source '%s' must select a plain column", source)
	}
	if link.Testexpr == nil {
		return nil, fmt.Errorf("IN subquery for source '%s' has no comparison expression", source)
	}

	innerQual := source
	for _, ref := range topLevelFromRefs(subsel) {
		if strings.EqualFold(ref.table, source) {
			innerQual = ref.qualifier()
			break
		}
	}
	_, innerName := pgast.ColumnParts(rt.Val.GetColumnRef())

	return attachDerivedTable(sel, p, source, derivedSpec{
		alias:     "in_subquery",
		innerQual: innerQual,
		innerKey:  cloneNode(rt.Val),
		innerName: innerName,
		outerKey:  cloneNode(link.Testexpr),
		from:      cloneNodes(subsel.FromClause),
		locals:    conjuncts(cloneNode(subsel.WhereClause)),
	}, where, linkIdx)
}

type derivedSpec struct {
	alias     string
	innerQual string
	innerKey  *pg_query.Node
	innerName string
	outerKey  *pg_query.Node
	from      []*pg_query.Node
	locals    []*pg_query.Node
}

// attachDerivedTable builds the grouped derived table, joins it into
// FROM, and drops the subquery conjunct from WHERE.
func attachDerivedTable(sel *pg_query.SelectStmt, p *policy.DFCPolicy, source string, spec derivedSpec, where []*pg_query.Node, linkIdx int) (*sublinkEntry, error) {
	aggs := aggregatesOverSource(p, source)
	if len(aggs) == 0 {
		return nil, fmt.Errorf("constraint has no aggregate over source '%s' to push into the subquery", source)
	}

	derived := &pg_query.SelectStmt{
		Op:          pg_query.SetOperation_SETOP_NONE,
		TargetList:  []*pg_query.Node{makeResTarget(spec.innerName, cloneNode(spec.innerKey))},
		FromClause:  spec.from,
		WhereClause: combineWithAnd(spec.locals),
		GroupClause: []*pg_query.Node{cloneNode(spec.innerKey)},
	}

	entry := &sublinkEntry{alias: spec.alias}
	for i, agg := range aggs {
		name := fmt.Sprintf("agg_%d", i)
		aggClone := cloneNode(agg)
		remapTableQualifiers(aggClone, map[string]string{strings.ToLower(source): spec.innerQual})
		derived.TargetList = append(derived.TargetList, makeResTarget(name, aggClone))
		entry.aggCols = append(entry.aggCols, name)
	}

	rangeSub := &pg_query.Node{
		Node: &pg_query.Node_RangeSubselect{
			RangeSubselect: &pg_query.RangeSubselect{
				Subquery: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: derived}},
				Alias:    &pg_query.Alias{Aliasname: spec.alias},
			},
		},
	}
	quals := makeEqualsExpr(cloneNode(spec.outerKey), makeColumnRef(spec.alias, spec.innerName))

	if len(sel.FromClause) == 0 {
		return nil, fmt.Errorf("query has no FROM clause to join source '%s' into", source)
	}
	last := len(sel.FromClause) - 1
	sel.FromClause[last] = makeJoin(pg_query.JoinType_JOIN_INNER, sel.FromClause[last], rangeSub, quals)

	remaining := make([]*pg_query.Node, 0, len(where)-1)
	remaining = append(remaining, where[:linkIdx]...)
	remaining = append(remaining, where[linkIdx+1:]...)
	sel.WhereClause = combineWithAnd(remaining)

	return entry, nil
}

// aggregatesOverSource returns the constraint's aggregate calls whose
// arguments reference the source, wrapped as nodes, in traversal
// order.
func aggregatesOverSource(p *policy.DFCPolicy, source string) []*pg_query.Node {
	var out []*pg_query.Node
	pgast.Walk(p.ConstraintAST(), func(n *pg_query.Node) {
		fc := n.GetFuncCall()
		if fc == nil || fc.Over != nil || !pgast.IsAggregateFunction(pgast.FuncName(fc)) {
			return
		}
		if funcReferencesTable(fc, source) {
			out = append(out, n)
		}
	})
	return out
}

// conjuncts flattens a boolean expression into its top-level AND
// operands.
func conjuncts(expr *pg_query.Node) []*pg_query.Node {
	if expr == nil {
		return nil
	}
	if be := expr.GetBoolExpr(); be != nil && be.Boolop == pg_query.BoolExprType_AND_EXPR {
		return be.Args
	}
	return []*pg_query.Node{expr}
}

// splitCorrelation checks whether a conjunct is an equality between a
// column of the subquery's source table and a column of the outer
// query, returning (inner, outer) sides.
func splitCorrelation(conjunct *pg_query.Node, source, innerQual string, lookup ColumnLookup) (inner, outer *pg_query.Node, ok bool) {
	ae := conjunct.GetAExpr()
	if ae == nil || ae.Kind != pg_query.A_Expr_Kind_AEXPR_OP || len(ae.Name) != 1 {
		return nil, nil, false
	}
	if op := ae.Name[0].GetString_(); op == nil || op.Sval != "=" {
		return nil, nil, false
	}
	left, right := ae.Lexpr, ae.Rexpr
	if left.GetColumnRef() == nil || right.GetColumnRef() == nil {
		return nil, nil, false
	}

	leftInner := columnBelongsTo(left.GetColumnRef(), source, innerQual, lookup)
	rightInner := columnBelongsTo(right.GetColumnRef(), source, innerQual, lookup)
	switch {
	case leftInner && !rightInner:
		return left, right, true
	case rightInner && !leftInner:
		return right, left, true
	}
	return nil, nil, false
}

// columnBelongsTo reports whether a column reference resolves to the
// given source table, either by qualifier or, when unqualified, by
// schema lookup.
func columnBelongsTo(ref *pg_query.ColumnRef, source, innerQual string, lookup ColumnLookup) bool {
	table, column := pgast.ColumnParts(ref)
	if table != "" {
		return strings.EqualFold(table, source) || strings.EqualFold(table, innerQual)
	}
	if lookup == nil {
		return false
	}
	return lookup(strings.ToLower(source), strings.ToLower(column))
}

// refsOnlyTable reports whether every column in the expression
// resolves to the source table.
func refsOnlyTable(expr *pg_query.Node, source, innerQual string, lookup ColumnLookup) bool {
	for _, ref := range pgast.Columns(expr) {
		if !columnBelongsTo(ref, source, innerQual, lookup) {
			return false
		}
	}
	return true
}
