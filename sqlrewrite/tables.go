package sqlrewrite

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// tableRef is a base table reference as written in a FROM clause.
type tableRef struct {
	table string
	alias string // empty when the table is not aliased
}

// qualifier is the name usable to reference the table's columns.
func (r tableRef) qualifier() string {
	if r.alias != "" {
		return r.alias
	}
	return r.table
}

// ExtractTableNames parses a SQL query and returns the deduplicated
// list of table names it reads, in first-appearance order. CTE names
// are excluded.
func ExtractTableNames(sql string) ([]string, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("parse SQL: %w", err)
	}

	cteNames := make(map[string]struct{})
	for _, stmt := range result.Stmts {
		if sel := stmt.Stmt.GetSelectStmt(); sel != nil {
			collectCTENames(sel, cteNames)
		}
	}

	seen := make(map[string]struct{})
	var tables []string
	for _, stmt := range result.Stmts {
		for _, ref := range collectTableRefs(stmt.Stmt) {
			lower := strings.ToLower(ref.table)
			if _, isCTE := cteNames[lower]; isCTE {
				continue
			}
			if _, dup := seen[lower]; dup {
				continue
			}
			seen[lower] = struct{}{}
			tables = append(tables, ref.table)
		}
	}
	return tables, nil
}

// collectTableRefs recursively walks a parse tree node and returns
// every table referenced in a FROM clause, including those inside
// subqueries, sublinks, and CTE bodies.
func collectTableRefs(node *pg_query.Node) []tableRef {
	var refs []tableRef
	collectTablesFromNode(node, &refs)
	return refs
}

func collectTablesFromNode(node *pg_query.Node, refs *[]tableRef) {
	if node == nil {
		return
	}
	if sel := node.GetSelectStmt(); sel != nil {
		collectTablesFromSelectStmt(sel, refs)
	}
}

func collectTablesFromSelectStmt(sel *pg_query.SelectStmt, refs *[]tableRef) {
	if sel == nil {
		return
	}

	// UNION/INTERSECT/EXCEPT branches
	if sel.Larg != nil {
		collectTablesFromSelectStmt(sel.Larg, refs)
	}
	if sel.Rarg != nil {
		collectTablesFromSelectStmt(sel.Rarg, refs)
	}

	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if c := cte.GetCommonTableExpr(); c != nil {
				collectTablesFromNode(c.Ctequery, refs)
			}
		}
	}

	for _, from := range sel.FromClause {
		collectTablesFromFromNode(from, refs)
	}

	collectTablesFromExpr(sel.WhereClause, refs)
	collectTablesFromExpr(sel.HavingClause, refs)
	for _, target := range sel.TargetList {
		collectTablesFromExpr(target, refs)
	}
	for _, sort := range sel.SortClause {
		if sb := sort.GetSortBy(); sb != nil {
			collectTablesFromExpr(sb.Node, refs)
		}
	}
}

func collectTablesFromFromNode(node *pg_query.Node, refs *[]tableRef) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		ref := tableRef{table: n.RangeVar.Relname}
		if n.RangeVar.Alias != nil {
			ref.alias = n.RangeVar.Alias.Aliasname
		}
		*refs = append(*refs, ref)
	case *pg_query.Node_JoinExpr:
		collectTablesFromFromNode(n.JoinExpr.Larg, refs)
		collectTablesFromFromNode(n.JoinExpr.Rarg, refs)
		collectTablesFromExpr(n.JoinExpr.Quals, refs)
	case *pg_query.Node_RangeSubselect:
		collectTablesFromNode(n.RangeSubselect.Subquery, refs)
	case *pg_query.Node_RangeFunction:
		// table-valued functions are not base tables
	}
}

// collectTablesFromExpr walks expression nodes looking for subqueries.
func collectTablesFromExpr(node *pg_query.Node, refs *[]tableRef) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SubLink:
		collectTablesFromNode(n.SubLink.Subselect, refs)
	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			collectTablesFromExpr(arg, refs)
		}
	case *pg_query.Node_AExpr:
		collectTablesFromExpr(n.AExpr.Lexpr, refs)
		collectTablesFromExpr(n.AExpr.Rexpr, refs)
	case *pg_query.Node_ResTarget:
		collectTablesFromExpr(n.ResTarget.Val, refs)
	case *pg_query.Node_FuncCall:
		for _, arg := range n.FuncCall.Args {
			collectTablesFromExpr(arg, refs)
		}
	case *pg_query.Node_CaseExpr:
		for _, when := range n.CaseExpr.Args {
			if w := when.GetCaseWhen(); w != nil {
				collectTablesFromExpr(w.Expr, refs)
				collectTablesFromExpr(w.Result, refs)
			}
		}
		collectTablesFromExpr(n.CaseExpr.Defresult, refs)
	case *pg_query.Node_TypeCast:
		collectTablesFromExpr(n.TypeCast.Arg, refs)
	}
}

// collectCTENames records every CTE name declared anywhere in the
// statement, lowercased.
func collectCTENames(sel *pg_query.SelectStmt, names map[string]struct{}) {
	if sel == nil {
		return
	}
	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if c := cte.GetCommonTableExpr(); c != nil {
				names[strings.ToLower(c.Ctename)] = struct{}{}
				if inner := c.Ctequery.GetSelectStmt(); inner != nil {
					collectCTENames(inner, names)
				}
			}
		}
	}
	collectCTENames(sel.Larg, names)
	collectCTENames(sel.Rarg, names)
}

// topLevelFromRefs returns the tables and subquery aliases that
// appear directly in the statement's own FROM clause (descending
// through joins but not into subqueries).
func topLevelFromRefs(sel *pg_query.SelectStmt) []tableRef {
	var refs []tableRef
	for _, from := range sel.FromClause {
		topLevelRefsFromNode(from, &refs)
	}
	return refs
}

func topLevelRefsFromNode(node *pg_query.Node, refs *[]tableRef) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		ref := tableRef{table: n.RangeVar.Relname}
		if n.RangeVar.Alias != nil {
			ref.alias = n.RangeVar.Alias.Aliasname
		}
		*refs = append(*refs, ref)
	case *pg_query.Node_JoinExpr:
		topLevelRefsFromNode(n.JoinExpr.Larg, refs)
		topLevelRefsFromNode(n.JoinExpr.Rarg, refs)
	}
}

// hasTopLevelTable reports whether the table is read directly in the
// statement's FROM clause.
func hasTopLevelTable(sel *pg_query.SelectStmt, table string) bool {
	for _, ref := range topLevelFromRefs(sel) {
		if strings.EqualFold(ref.table, table) {
			return true
		}
	}
	return false
}
