// Package pgast provides shared helpers for walking and printing
// pg_query parse trees. Both the policy and sqlrewrite packages
// inspect constraint expressions, so the generic traversal lives here.
package pgast

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Walk calls visit for every node in the tree rooted at n, parents
// before children. Mutating the visited node's content is allowed;
// the replacement subtree is walked in place of the original.
func Walk(n *pg_query.Node, visit func(*pg_query.Node)) {
	if n == nil {
		return
	}
	visit(n)
	walkMessage(n.ProtoReflect(), visit)
}

func walkMessage(m protoreflect.Message, visit func(*pg_query.Node)) {
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.IsMap() || fd.Kind() != protoreflect.MessageKind {
			return true
		}
		if fd.IsList() {
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				walkChild(list.Get(i).Message(), visit)
			}
			return true
		}
		walkChild(v.Message(), visit)
		return true
	})
}

func walkChild(m protoreflect.Message, visit func(*pg_query.Node)) {
	if n, ok := m.Interface().(*pg_query.Node); ok {
		visit(n)
		walkMessage(n.ProtoReflect(), visit)
		return
	}
	walkMessage(m, visit)
}

// Columns returns every column reference under n in traversal order.
func Columns(n *pg_query.Node) []*pg_query.ColumnRef {
	var cols []*pg_query.ColumnRef
	Walk(n, func(node *pg_query.Node) {
		if ref := node.GetColumnRef(); ref != nil {
			cols = append(cols, ref)
		}
	})
	return cols
}

// Aggregates returns every aggregate function call under n. Window
// function calls (those carrying an OVER clause) are not aggregates
// for rewriting purposes and are skipped.
func Aggregates(n *pg_query.Node) []*pg_query.FuncCall {
	var aggs []*pg_query.FuncCall
	Walk(n, func(node *pg_query.Node) {
		fc := node.GetFuncCall()
		if fc == nil || fc.Over != nil {
			return
		}
		if IsAggregateFunction(FuncName(fc)) {
			aggs = append(aggs, fc)
		}
	})
	return aggs
}

// aggregateFunctions is the set of function names treated as
// aggregates when classifying queries and flattening constraints.
var aggregateFunctions = map[string]struct{}{
	"avg": {}, "max": {}, "min": {}, "sum": {}, "count": {},
	"count_if": {}, "count_star": {}, "array_agg": {}, "string_agg": {},
	"approx_count_distinct": {}, "approx_distinct": {}, "regr_count": {},
	"stddev": {}, "stddev_pop": {}, "stddev_samp": {},
	"var_pop": {}, "var_samp": {}, "variance": {},
	"bool_and": {}, "bool_or": {}, "every": {},
	"bit_and": {}, "bit_or": {}, "bit_xor": {},
	"median": {}, "mode": {}, "product": {},
	"first": {}, "last": {}, "arbitrary": {},
}

// IsAggregateFunction reports whether name (case-insensitive) is a
// known aggregate function.
func IsAggregateFunction(name string) bool {
	_, ok := aggregateFunctions[strings.ToLower(name)]
	return ok
}

// FuncName returns the unqualified, lowercased name of a function
// call, or "" when the call has no name parts.
func FuncName(fc *pg_query.FuncCall) string {
	if fc == nil || len(fc.Funcname) == 0 {
		return ""
	}
	last := fc.Funcname[len(fc.Funcname)-1].GetString_()
	if last == nil {
		return ""
	}
	return strings.ToLower(last.Sval)
}

// ColumnParts splits a column reference into its table qualifier and
// column name, both as written. The qualifier is empty for
// unqualified references; a trailing star yields "*" as the column
// name. Multi-part qualifiers resolve to the part immediately before
// the column name.
func ColumnParts(ref *pg_query.ColumnRef) (table, column string) {
	if ref == nil || len(ref.Fields) == 0 {
		return "", ""
	}
	parts := make([]string, 0, len(ref.Fields))
	for _, f := range ref.Fields {
		if f.GetAStar() != nil {
			parts = append(parts, "*")
			continue
		}
		if s := f.GetString_(); s != nil {
			parts = append(parts, s.Sval)
		}
	}
	if len(parts) == 0 {
		return "", ""
	}
	column = parts[len(parts)-1]
	if len(parts) > 1 {
		table = parts[len(parts)-2]
	}
	return table, column
}

// ParseExpr parses a SQL expression (not a full statement) and
// returns its node. It rejects input that parses to anything other
// than exactly one expression.
func ParseExpr(expr string) (*pg_query.Node, error) {
	result, err := pg_query.Parse("SELECT " + expr)
	if err != nil {
		return nil, err
	}
	if len(result.Stmts) != 1 {
		return nil, fmt.Errorf("expected a single expression, got %d statements", len(result.Stmts))
	}
	sel := result.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil || len(sel.TargetList) != 1 {
		return nil, fmt.Errorf("%q is not a single expression", expr)
	}
	target := sel.TargetList[0].GetResTarget()
	if target == nil || target.Val == nil {
		return nil, fmt.Errorf("%q is not a single expression", expr)
	}
	return target.Val, nil
}

// ExprString deparses a single expression node back to SQL text.
func ExprString(n *pg_query.Node) (string, error) {
	// Parse a trivial statement to get a well-formed envelope, then
	// swap in the expression before deparsing.
	tmpl, err := pg_query.Parse("SELECT 1")
	if err != nil {
		return "", err
	}
	tmpl.Stmts[0].Stmt.GetSelectStmt().TargetList[0].GetResTarget().Val = n
	sql, err := pg_query.Deparse(tmpl)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(sql, "SELECT "), nil
}
