package translate

import (
	"github.com/fleetql/fleet/internal/capabilities"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
)

// CustomStrategy hands custom backends the structured fragment with
// every named parameter resolved to its bound value. Custom adapters
// evaluate the structure directly instead of parsing SQL text.
type CustomStrategy struct{}

// NewCustomStrategy creates the custom translation strategy.
func NewCustomStrategy() *CustomStrategy {
	return &CustomStrategy{}
}

// Kinds implements Strategy.
func (s *CustomStrategy) Kinds() []capabilities.SourceKind {
	return []capabilities.SourceKind{capabilities.KindCustom}
}

// Translate implements Strategy.
func (s *CustomStrategy) Translate(sq *sqlparse.SourceQuery, src *registry.DataSource,
	schema *registry.Schema, params map[string]interface{}) (*TranslatedQuery, error) {

	if err := checkOperations(sq, src); err != nil {
		return nil, err
	}
	if schema != nil {
		if err := checkColumns(sq, schema); err != nil {
			return nil, err
		}
	}

	resolved := *sq
	resolved.Where = make([]sqlparse.Condition, len(sq.Where))
	for i, c := range sq.Where {
		if c.Value.IsParam() {
			v, err := resolveParam(c.Value.Param, params)
			if err != nil {
				return nil, err
			}
			c.Value = sqlparse.Value{Literal: v}
		}
		resolved.Where[i] = c
	}
	return &TranslatedQuery{Structured: &resolved}, nil
}
