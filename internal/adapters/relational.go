package adapters

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"sync"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/translate"
)

// RelationalAdapter connects to database/sql backends. One *sql.DB is
// shared per data source; Connect checks out a dedicated *sql.Conn so
// the pool manager controls concurrency, not database/sql.
type RelationalAdapter struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewRelationalAdapter creates the relational adapter.
func NewRelationalAdapter() *RelationalAdapter {
	return &RelationalAdapter{dbs: make(map[string]*sql.DB)}
}

// Kind implements Adapter.
func (a *RelationalAdapter) Kind() capabilities.SourceKind {
	return capabilities.KindRelational
}

func (a *RelationalAdapter) db(cfg registry.DataSourceConfig) (*sql.DB, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, fleeterrors.NewValidation("data source config",
			"relational sources require driver and dsn")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.dbs[cfg.ID]; ok {
		return db, nil
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fleeterrors.NewExecutionFailed(cfg.ID, err, false)
	}
	// database/sql must never queue behind its own limit; the pool
	// manager owns admission.
	db.SetMaxOpenConns(0)
	a.dbs[cfg.ID] = db
	return db, nil
}

// Connect implements Adapter.
func (a *RelationalAdapter) Connect(ctx context.Context, cfg registry.DataSourceConfig) (BackendConn, error) {
	db, err := a.db(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fleeterrors.NewExecutionFailed(cfg.ID, err, isTransientBackend(err))
	}
	return &relationalConn{id: cfg.ID, conn: conn}, nil
}

// Probe implements Adapter.
func (a *RelationalAdapter) Probe(ctx context.Context, cfg registry.DataSourceConfig) error {
	db, err := a.db(cfg)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fleeterrors.NewExecutionFailed(cfg.ID, err, isTransientBackend(err))
	}
	return nil
}

// Shutdown closes every shared database handle.
func (a *RelationalAdapter) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for id, db := range a.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(a.dbs, id)
	}
	return first
}

type relationalConn struct {
	id   string
	conn *sql.Conn
}

func (c *relationalConn) ExecuteNative(ctx context.Context, q *translate.TranslatedQuery) (*RowSet, error) {
	rows, err := c.conn.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fleeterrors.NewExecutionFailed(c.id, err, isTransientBackend(err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fleeterrors.NewExecutionFailed(c.id, err, false)
	}
	rs := &RowSet{Columns: cols}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fleeterrors.NewExecutionFailed(c.id, err, false)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fleeterrors.NewExecutionFailed(c.id, err, isTransientBackend(err))
	}
	return rs, nil
}

func (c *relationalConn) HealthCheck(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *relationalConn) Close() error {
	return c.conn.Close()
}

// isTransientBackend classifies driver errors worth retrying: dropped
// connections, timeouts, and exhausted deadlines. Query-shaped errors
// (bad SQL, unknown relations) stay permanent.
func isTransientBackend(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return false
}
