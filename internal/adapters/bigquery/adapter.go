// Package bigquery adapts BigQuery as a remote-api data source. The
// vendor SDK owns transport and auth; the adapter's job is parameter
// mapping and result materialization.
package bigquery

import (
	"context"
	"sync"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/fleetql/fleet/internal/adapters"
	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/translate"
)

// Adapter connects to BigQuery projects. One client is shared per data
// source; the SDK multiplexes requests internally, so a pooled
// "connection" is a lease on the shared client.
type Adapter struct {
	mu      sync.Mutex
	clients map[string]*bq.Client
}

// New creates the BigQuery adapter.
func New() *Adapter {
	return &Adapter{clients: make(map[string]*bq.Client)}
}

// Kind implements adapters.Adapter.
func (a *Adapter) Kind() capabilities.SourceKind {
	return capabilities.KindRemoteAPI
}

func (a *Adapter) client(ctx context.Context, cfg registry.DataSourceConfig) (*bq.Client, error) {
	if cfg.ProjectID == "" {
		return nil, fleeterrors.NewValidation("data source config",
			"remote-api sources require a project_id")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[cfg.ID]; ok {
		return c, nil
	}
	var opts []option.ClientOption
	if cfg.Credentials != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.Credentials)))
	}
	c, err := bq.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fleeterrors.NewExecutionFailed(cfg.ID, err, false)
	}
	a.clients[cfg.ID] = c
	return c, nil
}

// Connect implements adapters.Adapter.
func (a *Adapter) Connect(ctx context.Context, cfg registry.DataSourceConfig) (adapters.BackendConn, error) {
	c, err := a.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &conn{id: cfg.ID, location: cfg.Location, client: c}, nil
}

// Probe implements adapters.Adapter. A trivial query proves both
// connectivity and credentials.
func (a *Adapter) Probe(ctx context.Context, cfg registry.DataSourceConfig) error {
	c, err := a.client(ctx, cfg)
	if err != nil {
		return err
	}
	q := c.Query("SELECT 1")
	if cfg.Location != "" {
		q.Location = cfg.Location
	}
	it, err := q.Read(ctx)
	if err != nil {
		return fleeterrors.NewExecutionFailed(cfg.ID, err, true)
	}
	var row []bq.Value
	if err := it.Next(&row); err != nil && err != iterator.Done {
		return fleeterrors.NewExecutionFailed(cfg.ID, err, true)
	}
	return nil
}

// Shutdown closes every shared client.
func (a *Adapter) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for id, c := range a.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(a.clients, id)
	}
	return first
}

type conn struct {
	id       string
	location string
	client   *bq.Client
}

func (c *conn) ExecuteNative(ctx context.Context, tq *translate.TranslatedQuery) (*adapters.RowSet, error) {
	q := c.client.Query(tq.SQL)
	if c.location != "" {
		q.Location = c.location
	}
	for _, p := range tq.NamedArgs {
		q.Parameters = append(q.Parameters, bq.QueryParameter{Name: p.Name, Value: p.Value})
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fleeterrors.NewExecutionFailed(c.id, err, true)
	}

	rs := &adapters.RowSet{}
	for {
		var row []bq.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fleeterrors.NewExecutionFailed(c.id, err, true)
		}
		if rs.Columns == nil {
			for _, f := range it.Schema {
				rs.Columns = append(rs.Columns, f.Name)
			}
		}
		vals := make([]interface{}, len(row))
		for i, v := range row {
			vals[i] = v
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if rs.Columns == nil {
		for _, f := range it.Schema {
			rs.Columns = append(rs.Columns, f.Name)
		}
	}
	return rs, nil
}

func (c *conn) HealthCheck(ctx context.Context) error {
	q := c.client.Query("SELECT 1")
	if c.location != "" {
		q.Location = c.location
	}
	_, err := q.Read(ctx)
	return err
}

// Close implements adapters.BackendConn. The shared client outlives the
// lease.
func (c *conn) Close() error { return nil }
