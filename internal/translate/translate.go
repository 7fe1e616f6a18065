// Package translate converts per-source query fragments into each
// backend's native form. One strategy exists per source kind; the
// orchestrator selects the strategy through the kind lookup table at
// plan time, so new backend kinds register an entry without touching
// the orchestrator.
package translate

import (
	"sync"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
)

// NamedArg is a named parameter binding for backends that take
// name-addressed parameters (BigQuery and the like).
type NamedArg struct {
	Name  string
	Value interface{}
}

// TranslatedQuery is a data-source-native query form.
type TranslatedQuery struct {
	// SQL is the rendered native query text; empty for structured-only
	// backends.
	SQL string

	// Args are positional parameter bindings, in placeholder order.
	Args []interface{}

	// NamedArgs are name-addressed bindings for backends that use them.
	NamedArgs []NamedArg

	// Structured is the resolved query fragment for custom backends
	// that consume the structured form directly.
	Structured *sqlparse.SourceQuery
}

// Strategy translates a source-query fragment for a family of backend
// kinds. Translation must preserve semantics: the translated query
// returns the same logical rows the unified fragment describes.
type Strategy interface {
	// Kinds returns the source kinds this strategy serves.
	Kinds() []capabilities.SourceKind

	// Translate renders the fragment for the given source. Params are
	// the caller's named parameter bindings.
	Translate(sq *sqlparse.SourceQuery, src *registry.DataSource,
		schema *registry.Schema, params map[string]interface{}) (*TranslatedQuery, error)
}

// Registry maps source kinds to translation strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[capabilities.SourceKind]Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[capabilities.SourceKind]Strategy),
	}
}

// Register adds a strategy under every kind it declares.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range s.Kinds() {
		r.strategies[k] = s
	}
}

// For returns the strategy registered for a kind.
func (r *Registry) For(kind capabilities.SourceKind) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fleeterrors.NewTranslationFailed("",
			"no translator registered for source kind "+string(kind))
	}
	return s, nil
}

// DefaultRegistry returns a registry with all built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewRelationalStrategy())
	r.Register(NewMainframeStrategy())
	r.Register(NewRemoteAPIStrategy())
	r.Register(NewCustomStrategy())
	return r
}

// checkOperations verifies every operation the fragment needs against
// the source's capability set, naming the first unsupported one.
func checkOperations(sq *sqlparse.SourceQuery, src *registry.DataSource) error {
	need := []struct {
		op     capabilities.Operation
		needed bool
	}{
		{capabilities.OperationSelect, true},
		{capabilities.OperationFilter, len(sq.Where) > 0},
		{capabilities.OperationAggregate, sq.HasAggregate() || len(sq.GroupBy) > 0},
		{capabilities.OperationJoin, len(sq.Joins) > 0},
		{capabilities.OperationOrderBy, len(sq.OrderBy) > 0},
		{capabilities.OperationLimit, sq.Limit != nil},
	}
	for _, n := range need {
		if n.needed && !src.Supports(n.op) {
			return fleeterrors.NewUnsupportedOperation(string(n.op), src.ID)
		}
	}
	return nil
}

// checkColumns verifies every referenced column against the schema.
func checkColumns(sq *sqlparse.SourceQuery, schema *registry.Schema) error {
	tables := make(map[string]*registry.Table, len(sq.Tables))
	for _, ref := range sq.Tables {
		t, ok := schema.Table(ref.Name)
		if !ok {
			return fleeterrors.NewUnknownTable(ref.Name)
		}
		tables[ref.DisplayName()] = t
		tables[ref.Name] = t
	}

	exists := func(qualifier, column string) bool {
		if qualifier != "" {
			t, ok := tables[qualifier]
			if !ok {
				return false
			}
			_, ok = t.Column(column)
			return ok
		}
		for _, ref := range sq.Tables {
			if _, ok := tables[ref.Name].Column(column); ok {
				return true
			}
		}
		return false
	}

	for _, c := range sq.Columns {
		if c.Star {
			continue
		}
		if !exists(c.Table, c.Name) {
			return fleeterrors.NewUnknownColumn(qualifierOr(c.Table, sq), c.Name)
		}
	}
	for _, c := range sq.Where {
		if !exists(c.Table, c.Column) {
			return fleeterrors.NewUnknownColumn(qualifierOr(c.Table, sq), c.Column)
		}
	}
	for _, o := range sq.OrderBy {
		if !exists(o.Table, o.Column) {
			return fleeterrors.NewUnknownColumn(qualifierOr(o.Table, sq), o.Column)
		}
	}
	return nil
}

func qualifierOr(qualifier string, sq *sqlparse.SourceQuery) string {
	if qualifier != "" {
		return qualifier
	}
	if len(sq.Tables) > 0 {
		return sq.Tables[0].Name
	}
	return "?"
}

// resolveParam binds one named parameter from the caller's params map.
func resolveParam(name string, params map[string]interface{}) (interface{}, error) {
	v, ok := params[name]
	if !ok {
		return nil, fleeterrors.NewMissingParameter(name)
	}
	return v, nil
}
