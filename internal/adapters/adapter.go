// Package adapters implements the backend connectors. Each adapter
// speaks one source kind's native protocol and exposes the uniform
// BackendConn surface the pool manager hands to the orchestrator.
package adapters

import (
	"context"
	"sync"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/translate"
)

// RowSet is a fully materialized query result. Column order matches the
// translated projection; row values are positionally aligned.
type RowSet struct {
	Columns []string
	Rows    [][]interface{}
}

// NumRows returns the row count.
func (r *RowSet) NumRows() int { return len(r.Rows) }

// ColumnIndex returns the position of a named column, or -1.
func (r *RowSet) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// BackendConn is one live connection to a backend. Connections are
// pooled; HealthCheck runs before reuse and failing connections are
// discarded rather than returned to the pool.
type BackendConn interface {
	// ExecuteNative runs a translated query and materializes the result.
	ExecuteNative(ctx context.Context, q *translate.TranslatedQuery) (*RowSet, error)

	// HealthCheck verifies the connection is still usable.
	HealthCheck(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Adapter creates connections for one source kind.
type Adapter interface {
	// Kind returns the source kind this adapter serves.
	Kind() capabilities.SourceKind

	// Connect opens a new connection to the configured backend.
	Connect(ctx context.Context, cfg registry.DataSourceConfig) (BackendConn, error)

	// Probe proves connectivity without retaining a connection.
	Probe(ctx context.Context, cfg registry.DataSourceConfig) error
}

// Factory dispatches connection requests by source kind. It implements
// registry.Prober so registration can prove connectivity through the
// same adapters that serve queries.
type Factory struct {
	mu       sync.RWMutex
	adapters map[capabilities.SourceKind]Adapter
}

// NewFactory creates an empty adapter factory.
func NewFactory() *Factory {
	return &Factory{adapters: make(map[capabilities.SourceKind]Adapter)}
}

// Register adds an adapter. A later registration for the same kind
// replaces the earlier one.
func (f *Factory) Register(a Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters[a.Kind()] = a
}

// For returns the adapter for a kind.
func (f *Factory) For(kind capabilities.SourceKind) (Adapter, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.adapters[kind]
	if !ok {
		return nil, fleeterrors.NewValidation("data source kind",
			"no adapter registered for kind "+string(kind))
	}
	return a, nil
}

// Connect opens a connection through the kind's adapter.
func (f *Factory) Connect(ctx context.Context, cfg registry.DataSourceConfig) (BackendConn, error) {
	a, err := f.For(cfg.Kind)
	if err != nil {
		return nil, err
	}
	return a.Connect(ctx, cfg)
}

// Probe implements registry.Prober.
func (f *Factory) Probe(ctx context.Context, cfg registry.DataSourceConfig) error {
	a, err := f.For(cfg.Kind)
	if err != nil {
		return err
	}
	return a.Probe(ctx, cfg)
}
