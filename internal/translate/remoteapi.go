package translate

import (
	"fmt"

	"github.com/fleetql/fleet/internal/capabilities"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
)

// RemoteAPIStrategy renders GoogleSQL for warehouse backends reached
// over a vendor API: backtick identifiers and @name parameters.
type RemoteAPIStrategy struct{}

// NewRemoteAPIStrategy creates the remote-api translation strategy.
func NewRemoteAPIStrategy() *RemoteAPIStrategy {
	return &RemoteAPIStrategy{}
}

// Kinds implements Strategy.
func (s *RemoteAPIStrategy) Kinds() []capabilities.SourceKind {
	return []capabilities.SourceKind{capabilities.KindRemoteAPI}
}

// Translate implements Strategy.
func (s *RemoteAPIStrategy) Translate(sq *sqlparse.SourceQuery, src *registry.DataSource,
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
		quote:       quoteBacktick,
		placeholder: func(_ int, name string) string { return "@" + name },
		named:       true,
		limit:       func(n int) string { return fmt.Sprintf("LIMIT %d", n) },
	}
	sql, _, named, err := render(sq, d, params)
	if err != nil {
		return nil, err
	}
	return &TranslatedQuery{SQL: sql, NamedArgs: named}, nil
}
