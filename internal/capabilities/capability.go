// Package capabilities defines the operation and capability model for
// registered data sources. A capability names an operation the source's
// native engine can execute; translation fails when a query requires an
// operation outside the target's capability set.
package capabilities

import (
	"fmt"
	"strings"
)

// Operation represents an operation a data source may support.
type Operation string

const (
	// OperationSelect allows plain projections (SELECT col, ...).
	OperationSelect Operation = "SELECT"

	// OperationFilter allows WHERE predicates.
	OperationFilter Operation = "FILTER"

	// OperationAggregate allows COUNT/SUM/AVG/MIN/MAX and GROUP BY.
	OperationAggregate Operation = "AGGREGATE"

	// OperationJoin allows joins pushed down to the native engine.
	OperationJoin Operation = "JOIN"

	// OperationOrderBy allows ORDER BY pushed down to the native engine.
	OperationOrderBy Operation = "ORDER_BY"

	// OperationLimit allows LIMIT / row-fetch clauses.
	OperationLimit Operation = "LIMIT"
)

// AllOperations returns all valid operations.
func AllOperations() []Operation {
	return []Operation{
		OperationSelect,
		OperationFilter,
		OperationAggregate,
		OperationJoin,
		OperationOrderBy,
		OperationLimit,
	}
}

// IsValid checks if the operation is a known valid operation.
func (o Operation) IsValid() bool {
	for _, valid := range AllOperations() {
		if o == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of the operation.
func (o Operation) String() string {
	return string(o)
}

// ParseOperation parses a string into an Operation.
// Returns an error if the string is not a valid operation.
func ParseOperation(s string) (Operation, error) {
	o := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if !o.IsValid() {
		return "", fmt.Errorf("invalid operation: %s (valid: %v)", s, AllOperations())
	}
	return o, nil
}

// OperationSet is a set of operations for efficient lookup.
type OperationSet map[Operation]struct{}

// NewOperationSet creates a new OperationSet from a slice of operations.
func NewOperationSet(ops []Operation) OperationSet {
	set := make(OperationSet, len(ops))
	for _, o := range ops {
		set[o] = struct{}{}
	}
	return set
}

// Has checks if the set contains the given operation.
func (s OperationSet) Has(o Operation) bool {
	_, ok := s[o]
	return ok
}

// Add adds an operation to the set.
func (s OperationSet) Add(o Operation) {
	s[o] = struct{}{}
}

// Slice returns the operations as a slice.
func (s OperationSet) Slice() []Operation {
	result := make([]Operation, 0, len(s))
	for o := range s {
		result = append(result, o)
	}
	return result
}

// SourceKind identifies the family of backend a data source belongs to.
// The translator strategy and the connection adapter are both selected
// by kind, never by the concrete product behind it.
type SourceKind string

const (
	// KindRelational covers SQL stores reachable through database/sql.
	KindRelational SourceKind = "relational"

	// KindMainframe covers job-submission backends with a DB2-flavored
	// SQL dialect.
	KindMainframe SourceKind = "mainframe"

	// KindRemoteAPI covers warehouse or HTTP-API backends with their own
	// SDK (BigQuery and the like).
	KindRemoteAPI SourceKind = "remote-api"

	// KindCustom covers in-process or bespoke backends that accept the
	// structured query form directly.
	KindCustom SourceKind = "custom"
)

// AllSourceKinds returns all valid source kinds.
func AllSourceKinds() []SourceKind {
	return []SourceKind{KindRelational, KindMainframe, KindRemoteAPI, KindCustom}
}

// IsValid checks if the kind is a known valid source kind.
func (k SourceKind) IsValid() bool {
	for _, valid := range AllSourceKinds() {
		if k == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of the kind.
func (k SourceKind) String() string {
	return string(k)
}

// ParseSourceKind parses a string into a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	k := SourceKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("invalid source kind: %s (valid: %v)", s, AllSourceKinds())
	}
	return k, nil
}

// DefaultOperations returns the operations a kind supports when the
// registration does not name an explicit set.
func DefaultOperations(kind SourceKind) []Operation {
	switch kind {
	case KindMainframe:
		// Mainframe job submission handles projections and filters;
		// aggregates and ordering run post-fetch in the orchestrator.
		return []Operation{OperationSelect, OperationFilter, OperationLimit}
	default:
		return AllOperations()
	}
}
