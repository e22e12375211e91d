package sqlrewrite

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"dfcgate/internal/pgast"
)

// queryShape captures the classification of a SELECT that decides
// where predicates go: scans take them in WHERE, aggregations in
// HAVING (or a two-phase pipeline).
type queryShape struct {
	// IsAggregation is true when the query has a GROUP BY clause or
	// an aggregate function in its projection. Window functions do
	// not count.
	IsAggregation bool
	// GroupRefs holds the GROUP BY expressions that are plain column
	// references; nil entries mark grouping expressions that are not.
	GroupRefs []*pg_query.ColumnRef
}

// classify inspects a SELECT and returns its shape.
func classify(sel *pg_query.SelectStmt) queryShape {
	var shape queryShape
	if sel == nil {
		return shape
	}

	if len(sel.GroupClause) > 0 {
		shape.IsAggregation = true
		for _, g := range sel.GroupClause {
			shape.GroupRefs = append(shape.GroupRefs, g.GetColumnRef())
		}
		return shape
	}

	for _, target := range sel.TargetList {
		rt := target.GetResTarget()
		if rt == nil || rt.Val == nil {
			continue
		}
		if len(pgast.Aggregates(rt.Val)) > 0 {
			shape.IsAggregation = true
			return shape
		}
	}
	return shape
}

// groupKeyNames returns the output column name of each GROUP BY
// expression, or false when a grouping expression is not a plain
// column reference.
func (s queryShape) groupKeyNames() ([]string, bool) {
	names := make([]string, 0, len(s.GroupRefs))
	for _, ref := range s.GroupRefs {
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
