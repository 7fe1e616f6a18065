package translate

import (
	"fmt"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
)

// MainframeStrategy renders DB2-style batch job SQL: bare uppercase
// identifiers, inline escaped literals, and FETCH FIRST for row limits.
// The job gateway takes no bound parameters, so every operand is
// rendered into the statement text.
type MainframeStrategy struct{}

// NewMainframeStrategy creates the mainframe translation strategy.
func NewMainframeStrategy() *MainframeStrategy {
	return &MainframeStrategy{}
}

// Kinds implements Strategy.
func (s *MainframeStrategy) Kinds() []capabilities.SourceKind {
	return []capabilities.SourceKind{capabilities.KindMainframe}
}

// Translate implements Strategy.
func (s *MainframeStrategy) Translate(sq *sqlparse.SourceQuery, src *registry.DataSource,
	schema *registry.Schema, params map[string]interface{}) (*TranslatedQuery, error) {

	if err := checkOperations(sq, src); err != nil {
		return nil, err
	}
	if schema != nil {
		if err := checkColumns(sq, schema); err != nil {
			return nil, err
		}
	}
	if len(sq.Joins) > 0 {
		// Capability defaults exclude joins for mainframe sources, but a
		// registration can widen them; the job gateway still cannot run
		// multi-table statements.
		return nil, fleeterrors.NewUnsupportedOperation(
			string(capabilities.OperationJoin), src.ID)
	}

	d := dialect{
		quote: quoteUpper,
		limit: func(n int) string { return fmt.Sprintf("FETCH FIRST %d ROWS ONLY", n) },
	}
	sql, _, _, err := render(sq, d, params)
	if err != nil {
		return nil, err
	}
	return &TranslatedQuery{SQL: sql}, nil
}
