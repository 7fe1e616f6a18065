// Package sqlparse parses the unified query language into the AST the
// planner and translators consume. Parsing is backed by
// xwb1989/sqlparser; constructs the unified language does not cover are
// rejected with a descriptive error, never silently dropped.
package sqlparse

import "sort"

// Value is a comparison operand: either a named parameter reference or
// an inline literal. Exactly one of the two is meaningful.
type Value struct {
	// Param is the parameter name (without the leading ':') when the
	// operand is a named parameter.
	Param string

	// Literal is the inline literal otherwise.
	Literal interface{}
}

// IsParam reports whether the value is a named parameter reference.
func (v Value) IsParam() bool { return v.Param != "" }

// Condition is one AND-combined WHERE predicate. Table is the qualifier
// as written (alias or table name); empty when unqualified.
type Condition struct {
	Table    string
	Column   string
	Operator string
	Value    Value
}

// SelectColumn is one projected column. Aggregate names the aggregate
// function (lowercase) when the column is an aggregate expression.
type SelectColumn struct {
	Table     string
	Name      string
	Alias     string
	Aggregate string
	Star      bool
}

// OutputName returns the column name as it appears in results.
func (c SelectColumn) OutputName() string {
	if c.Alias != "" {
		return c.Alias
	}
	if c.Aggregate != "" {
		if c.Star {
			return c.Aggregate
		}
		return c.Aggregate + "_" + c.Name
	}
	return c.Name
}

// TableRef is a FROM-clause table. Source is the data-source qualifier
// when the caller wrote one (`claims.transactions`); otherwise it is
// resolved from registered schemas at plan time.
type TableRef struct {
	Source string
	Name   string
	Alias  string
}

// DisplayName returns the alias if set, otherwise the table name.
func (t TableRef) DisplayName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// JoinType represents the type of a join.
type JoinType string

const (
	JoinInner JoinType = "INNER"
	JoinLeft  JoinType = "LEFT"
	JoinRight JoinType = "RIGHT"
	JoinFull  JoinType = "FULL"
)

// JoinClause is one equi-join between two tables, referenced by alias
// or table name as written in the ON condition.
type JoinClause struct {
	Type        JoinType
	LeftTable   string
	LeftColumn  string
	RightTable  string
	RightColumn string
}

// OrderBy is one ORDER BY term.
type OrderBy struct {
	Table  string
	Column string
	Desc   bool
}

// Query is the parsed form of one unified query. It is immutable once
// parsed; the planner derives per-source SourceQuery slices from it.
type Query struct {
	// Raw is the query text as submitted.
	Raw string

	// Normalized is the canonical rendering used for cache keys.
	Normalized string

	Columns []SelectColumn
	From    []TableRef
	Joins   []JoinClause
	Where   []Condition
	GroupBy []string
	OrderBy []OrderBy
	Limit   *int
}

// HasAggregate reports whether any projected column is an aggregate.
func (q *Query) HasAggregate() bool {
	for _, c := range q.Columns {
		if c.Aggregate != "" {
			return true
		}
	}
	return false
}

// ParamNames returns the distinct named parameters referenced by the
// query, sorted for deterministic cache keys.
func (q *Query) ParamNames() []string {
	seen := make(map[string]struct{})
	for _, c := range q.Where {
		if c.Value.IsParam() {
			seen[c.Value.Param] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TableByName resolves an alias-or-name reference to its TableRef.
func (q *Query) TableByName(ref string) (TableRef, bool) {
	for _, t := range q.From {
		if t.Alias == ref || t.Name == ref {
			return t, true
		}
	}
	return TableRef{}, false
}

// SourceQuery is the per-data-source slice of a Query: the fragment one
// fetch step executes natively. Translators render it into the target
// dialect; the memory adapter evaluates it directly.
type SourceQuery struct {
	Source  string
	Tables  []TableRef
	Columns []SelectColumn
	Joins   []JoinClause
	Where   []Condition
	GroupBy []string
	OrderBy []OrderBy
	Limit   *int
}

// HasAggregate reports whether any projected column is an aggregate.
func (sq *SourceQuery) HasAggregate() bool {
	for _, c := range sq.Columns {
		if c.Aggregate != "" {
			return true
		}
	}
	return false
}
