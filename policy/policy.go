// Package policy defines data flow control (DFC) policies: which
// source tables they guard, the SQL constraint that must hold, and the
// resolution applied when it does not.
package policy

import (
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"

	"dfcgate/internal/pgast"
)

// TableRole classifies the table a constraint qualifier resolves to.
type TableRole int

const (
	RoleNone TableRole = iota
	RoleSource
	RoleSink
)

// DFCPolicy is a data flow control policy. Construct instances with
// New or FromPolicyString; the zero value is not usable.
type DFCPolicy struct {
	// Sources are the tables whose data the policy guards. A query is
	// only rewritten when every source appears in it.
	Sources []string
	// Sink optionally names a destination table the constraint may
	// reference, for checks that compare source rows against sink
	// state.
	Sink string
	// SinkAlias optionally names an alias for the sink table, letting
	// a constraint compare two versions of the same table.
	SinkAlias string
	// Constraint is a boolean SQL expression that must evaluate to
	// true. Every column in it must be qualified with a table name.
	Constraint string
	// OnFail is the resolution applied when the constraint fails.
	OnFail Resolution
	// Description is optional free text for operators.
	Description string
	// Aggregate marks a policy whose constraint is evaluated over the
	// whole result set rather than per row. Aggregate policies only
	// support the INVALIDATE resolution.
	Aggregate bool

	sourcesLower  map[string]struct{}
	sinkRefNames  map[string]struct{}
	parsed        *pg_query.Node
	columnsNeeded map[string]map[string]struct{}
}

// New validates and normalizes a policy. Source names are trimmed and
// duplicate checks are case-insensitive. The constraint is parsed and
// checked for syntax, column qualification, and aggregation rules;
// binding against a live schema happens at registration time instead.
func New(p DFCPolicy) (*DFCPolicy, error) {
	if len(p.Sources) == 0 && p.Sink == "" {
		return nil, fmt.Errorf("Either sources or sink must be provided")
	}
	if p.SinkAlias != "" && p.Sink == "" {
		return nil, fmt.Errorf("sink_alias requires sink to be provided")
	}
	if p.Aggregate && p.OnFail != Invalidate {
		return nil, fmt.Errorf("Aggregate policies currently only support the INVALIDATE resolution, but got %s", p.OnFail)
	}

	out := p
	out.Sources = make([]string, 0, len(p.Sources))
	out.sourcesLower = make(map[string]struct{}, len(p.Sources))
	for _, source := range p.Sources {
		trimmed := strings.TrimSpace(source)
		if trimmed == "" {
			return nil, fmt.Errorf("Sources must be non-empty strings")
		}
		lower := strings.ToLower(trimmed)
		if _, dup := out.sourcesLower[lower]; dup {
			return nil, fmt.Errorf("Duplicate source table '%s' in sources list", trimmed)
		}
		out.sourcesLower[lower] = struct{}{}
		out.Sources = append(out.Sources, trimmed)
	}
	out.Sink = strings.TrimSpace(p.Sink)
	out.SinkAlias = strings.TrimSpace(p.SinkAlias)

	out.sinkRefNames = make(map[string]struct{}, 2)
	if out.Sink != "" {
		sinkLower := strings.ToLower(out.Sink)
		_, overlapsSource := out.sourcesLower[sinkLower]
		if !(overlapsSource && out.SinkAlias != "") {
			out.sinkRefNames[sinkLower] = struct{}{}
		}
	}
	if out.SinkAlias != "" {
		out.sinkRefNames[strings.ToLower(out.SinkAlias)] = struct{}{}
	}

	parsed, err := parseConstraint(out.Constraint)
	if err != nil {
		return nil, err
	}
	out.parsed = parsed

	if err := out.validate(); err != nil {
		return nil, err
	}
	out.columnsNeeded = out.calculateSourceColumnsNeeded()

	return &out, nil
}

// parseConstraint parses the constraint as a standalone expression.
func parseConstraint(constraint string) (*pg_query.Node, error) {
	if strings.TrimSpace(constraint) == "" {
		return nil, fmt.Errorf("CONSTRAINT is required but not found in policy text")
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(constraint)), "SELECT") {
		return nil, fmt.Errorf("Constraint must be an expression, not a SELECT statement")
	}
	node, err := pgast.ParseExpr(constraint)
	if err != nil {
		return nil, fmt.Errorf("Invalid constraint SQL expression '%s': %v", constraint, err)
	}
	return node, nil
}

func (p *DFCPolicy) validate() error {
	for _, source := range p.Sources {
		if err := validateTableName(source, "Source"); err != nil {
			return err
		}
	}
	if p.Sink != "" {
		if err := validateTableName(p.Sink, "Sink"); err != nil {
			return err
		}
	}
	if p.SinkAlias != "" {
		if _, err := pg_query.Parse("SELECT 1 FROM dummy_table AS " + p.SinkAlias); err != nil {
			return fmt.Errorf("Invalid sink alias '%s': %v", p.SinkAlias, err)
		}
	}

	// Probe the constraint in a query context with the policy's own
	// tables in FROM, to catch expressions that only parse in
	// isolation.
	fromItems := make([]string, 0, len(p.Sources)+1)
	fromItems = append(fromItems, p.Sources...)
	if p.Sink != "" {
		sinkRef := p.Sink
		if p.SinkAlias != "" {
			sinkRef = p.Sink + " AS " + p.SinkAlias
		}
		fromItems = append(fromItems, sinkRef)
	}
	probe := fmt.Sprintf("SELECT (%s) AS policy_check FROM %s", p.Constraint, strings.Join(fromItems, ", "))
	if _, err := pg_query.Parse(probe); err != nil {
		return fmt.Errorf("Constraint '%s' cannot be evaluated with sources=%v, sink='%s': %v",
			p.Constraint, p.Sources, p.Sink, err)
	}

	if err := p.validateColumnQualification(); err != nil {
		return err
	}
	return p.validateAggregationRules()
}

// validateTableName checks that name parses as a plain table
// reference and nothing else.
func validateTableName(name, kind string) error {
	result, err := pg_query.Parse("SELECT * FROM " + name)
	if err != nil {
		return fmt.Errorf("Invalid %s table name '%s': %v", strings.ToLower(kind), name, err)
	}
	if len(result.Stmts) != 1 || result.Stmts[0].Stmt.GetSelectStmt() == nil {
		return fmt.Errorf("%s '%s' is not a valid table identifier", kind, name)
	}
	found := false
	for _, item := range result.Stmts[0].Stmt.GetSelectStmt().FromClause {
		pgast.Walk(item, func(n *pg_query.Node) {
			if n.GetRangeVar() != nil {
				found = true
			}
		})
	}
	if !found {
		return fmt.Errorf("%s '%s' does not reference a valid table", kind, name)
	}
	return nil
}

func (p *DFCPolicy) validateColumnQualification() error {
	directAggArgs := make(map[*pg_query.ColumnRef]struct{})
	pgast.Walk(p.parsed, func(n *pg_query.Node) {
		fc := n.GetFuncCall()
		if fc == nil || !pgast.IsAggregateFunction(pgast.FuncName(fc)) {
			return
		}
		for _, arg := range fc.Args {
			if ref := arg.GetColumnRef(); ref != nil {
				directAggArgs[ref] = struct{}{}
			}
		}
	})

	var unqualified []string
	for _, ref := range pgast.Columns(p.parsed) {
		table, column := pgast.ColumnParts(ref)
		if table != "" {
			continue
		}
		// Aggregate policies accept a bare sink table name as the
		// argument of an aggregate, as shorthand for the whole table.
		if p.Aggregate && p.Sink != "" && strings.EqualFold(column, p.Sink) {
			if _, direct := directAggArgs[ref]; direct {
				continue
			}
		}
		unqualified = append(unqualified, column)
	}
	if len(unqualified) > 0 {
		return fmt.Errorf("All columns in constraints must be qualified with table names. Unqualified columns found: %s",
			strings.Join(unqualified, ", "))
	}
	return nil
}

func (p *DFCPolicy) validateAggregationRules() error {
	type aggCall struct {
		node *pg_query.Node
		call *pg_query.FuncCall
	}
	var aggs []aggCall
	pgast.Walk(p.parsed, func(n *pg_query.Node) {
		if fc := n.GetFuncCall(); fc != nil && fc.Over == nil && pgast.IsAggregateFunction(pgast.FuncName(fc)) {
			aggs = append(aggs, aggCall{node: n, call: fc})
		}
	})

	insideAgg := make(map[*pg_query.ColumnRef]struct{})
	for _, agg := range aggs {
		for _, arg := range agg.call.Args {
			for _, ref := range pgast.Columns(arg) {
				insideAgg[ref] = struct{}{}
			}
		}
		if agg.call.AggFilter != nil {
			for _, ref := range pgast.Columns(agg.call.AggFilter) {
				insideAgg[ref] = struct{}{}
			}
		}
	}

	if len(aggs) > 0 && len(p.Sources) == 0 && !p.Aggregate {
		return fmt.Errorf("Aggregations in constraints can only reference the source tables, but no sources are provided")
	}

	if !p.Aggregate {
		for _, agg := range aggs {
			for _, arg := range agg.call.Args {
				for _, ref := range pgast.Columns(arg) {
					table, _ := pgast.ColumnParts(ref)
					if table == "" {
						continue
					}
					lower := strings.ToLower(table)
					if _, isSink := p.sinkRefNames[lower]; isSink {
						sql, _ := pgast.ExprString(agg.node)
						return fmt.Errorf("Aggregation '%s' references sink table '%s', but aggregations can only reference source tables",
							sql, lower)
					}
					if _, isSource := p.sourcesLower[lower]; !isSource {
						sql, _ := pgast.ExprString(agg.node)
						return fmt.Errorf("Aggregation '%s' references table '%s', but aggregations can only reference source tables %v",
							sql, lower, p.Sources)
					}
				}
			}
		}
	}

	if len(p.Sources) > 0 {
		var unaggregated []string
		for _, ref := range pgast.Columns(p.parsed) {
			if _, inside := insideAgg[ref]; inside {
				continue
			}
			table, column := pgast.ColumnParts(ref)
			lower := strings.ToLower(table)
			if _, isSource := p.sourcesLower[lower]; isSource {
				unaggregated = append(unaggregated, lower+"."+column)
			}
		}
		if len(unaggregated) > 0 {
			return fmt.Errorf("All columns from source tables must be aggregated. Unaggregated source columns found: %s",
				strings.Join(unaggregated, ", "))
		}
	}
	return nil
}

// calculateSourceColumnsNeeded maps each source table (lowercased) to
// the constraint columns it contributes (lowercased). When a scan
// rewrite flattens max(t.c) > 1 into c > 1, column c of t is needed.
func (p *DFCPolicy) calculateSourceColumnsNeeded() map[string]map[string]struct{} {
	needed := make(map[string]map[string]struct{}, len(p.Sources))
	for _, source := range p.Sources {
		needed[strings.ToLower(source)] = make(map[string]struct{})
	}
	for _, ref := range pgast.Columns(p.parsed) {
		table, column := pgast.ColumnParts(ref)
		lower := strings.ToLower(table)
		if cols, ok := needed[lower]; ok {
			cols[strings.ToLower(column)] = struct{}{}
		}
	}
	return needed
}

// ConstraintAST returns a copy of the parsed constraint expression.
// Callers may mutate the returned tree freely.
func (p *DFCPolicy) ConstraintAST() *pg_query.Node {
	return proto.Clone(p.parsed).(*pg_query.Node)
}

// ConstraintColumns returns the column references in the constraint.
// The returned nodes are shared with the policy and must not be
// mutated.
func (p *DFCPolicy) ConstraintColumns() []*pg_query.ColumnRef {
	return pgast.Columns(p.parsed)
}

// SourceColumnsNeeded maps lowercased source table names to the
// lowercased columns the constraint reads from them. The map is
// shared and must not be mutated.
func (p *DFCPolicy) SourceColumnsNeeded() map[string]map[string]struct{} {
	return p.columnsNeeded
}

// Matches reports whether the policy applies to a query over the
// given tables (lowercased names). Every source must be present.
// Sink-only policies guard writes, not reads, and never match.
func (p *DFCPolicy) Matches(tables map[string]struct{}) bool {
	if len(p.Sources) == 0 {
		return false
	}
	for lower := range p.sourcesLower {
		if _, ok := tables[lower]; !ok {
			return false
		}
	}
	return true
}

// IsSource reports whether name (case-insensitive) is one of the
// policy's source tables.
func (p *DFCPolicy) IsSource(name string) bool {
	_, ok := p.sourcesLower[strings.ToLower(name)]
	return ok
}

// RoleOf classifies a constraint qualifier as source, sink, or
// neither.
func (p *DFCPolicy) RoleOf(table string) TableRole {
	lower := strings.ToLower(table)
	if _, ok := p.sourcesLower[lower]; ok {
		return RoleSource
	}
	if _, ok := p.sinkRefNames[lower]; ok {
		return RoleSink
	}
	return RoleNone
}

// Equal reports whether two policies are the same policy: same
// sources in the same order, same sink, alias, constraint text,
// resolution, and description.
func (p *DFCPolicy) Equal(other *DFCPolicy) bool {
	if other == nil {
		return false
	}
	if len(p.Sources) != len(other.Sources) {
		return false
	}
	for i := range p.Sources {
		if p.Sources[i] != other.Sources[i] {
			return false
		}
	}
	return p.Sink == other.Sink &&
		p.SinkAlias == other.SinkAlias &&
		p.Constraint == other.Constraint &&
		p.OnFail == other.OnFail &&
		p.Description == other.Description &&
		p.Aggregate == other.Aggregate
}

// Identifier returns a stable descriptive identifier for logging.
func (p *DFCPolicy) Identifier() string {
	var parts []string
	if len(p.Sources) > 0 {
		parts = append(parts, fmt.Sprintf("sources=%v", p.Sources))
	}
	if p.Sink != "" {
		parts = append(parts, "sink="+p.Sink)
	}
	if p.SinkAlias != "" {
		parts = append(parts, "sink_alias="+p.SinkAlias)
	}
	parts = append(parts, "constraint="+p.Constraint)
	name := "DFCPolicy"
	if p.Aggregate {
		name = "AggregateDFCPolicy"
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}

func (p *DFCPolicy) String() string { return p.Identifier() }

// SortedNeededColumns returns the needed columns for a source in
// deterministic order, for stable rewrites and logs.
func (p *DFCPolicy) SortedNeededColumns(source string) []string {
	cols, ok := p.columnsNeeded[strings.ToLower(source)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(cols))
	for col := range cols {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}
