package translate

import (
	"fmt"

	"github.com/fleetql/fleet/internal/capabilities"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
)

// RelationalStrategy renders standard SQL with driver-appropriate
// positional placeholders. It serves every database/sql backed source.
type RelationalStrategy struct{}

// NewRelationalStrategy creates the relational translation strategy.
func NewRelationalStrategy() *RelationalStrategy {
	return &RelationalStrategy{}
}

// Kinds implements Strategy.
func (s *RelationalStrategy) Kinds() []capabilities.SourceKind {
	return []capabilities.SourceKind{capabilities.KindRelational}
}

// Translate implements Strategy.
func (s *RelationalStrategy) Translate(sq *sqlparse.SourceQuery, src *registry.DataSource,
	schema *registry.Schema, params map[string]interface{}) (*TranslatedQuery, error) {

	if err := checkOperations(sq, src); err != nil {
		return nil, err
	}
	if schema != nil {
		if err := checkColumns(sq, schema); err != nil {
			return nil, err
		}
	}

	d := dialect{
		quote:       quoteDouble,
		placeholder: placeholderFor(src.Config.Driver),
		limit:       func(n int) string { return fmt.Sprintf("LIMIT %d", n) },
	}
	sql, args, _, err := render(sq, d, params)
	if err != nil {
		return nil, err
	}
	return &TranslatedQuery{SQL: sql, Args: args}, nil
}

// placeholderFor picks the positional placeholder style for a driver.
// postgres uses $1..$n; everything else database/sql supports takes ?.
func placeholderFor(driver string) func(i int, name string) string {
	switch driver {
	case "postgres", "pq":
		return func(i int, _ string) string { return fmt.Sprintf("$%d", i) }
	default:
		return func(int, string) string { return "?" }
	}
}
