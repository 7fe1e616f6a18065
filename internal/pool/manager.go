package pool

import (
	"context"
	"sync"

	"github.com/fleetql/fleet/internal/adapters"
	"github.com/fleetql/fleet/internal/registry"
)

// Manager owns one Pool per data source, created lazily from the
// source's registered pool config.
type Manager struct {
	factory  *adapters.Factory
	registry *registry.Registry

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates the pool manager.
func NewManager(factory *adapters.Factory, reg *registry.Registry) *Manager {
	return &Manager{
		factory:  factory,
		registry: reg,
		pools:    make(map[string]*Pool),
	}
}

func (m *Manager) pool(id string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[id]; ok {
		return p, nil
	}
	src, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	cfg := src.Config
	p := newPool(id, cfg.Pool, func(ctx context.Context) (adapters.BackendConn, error) {
		return m.factory.Connect(ctx, cfg)
	})
	m.pools[id] = p
	return p, nil
}

// Acquire checks out a connection to the named source.
func (m *Manager) Acquire(ctx context.Context, id string) (adapters.BackendConn, error) {
	p, err := m.pool(id)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns a connection to the named source's pool.
func (m *Manager) Release(id string, conn adapters.BackendConn, bad bool) {
	m.mu.Lock()
	p, ok := m.pools[id]
	m.mu.Unlock()
	if !ok {
		conn.Close()
		return
	}
	p.Release(conn, bad)
}

// Drop closes and forgets a source's pool. Called when a source is
// deactivated or marked offline so stale connections do not linger.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	p, ok := m.pools[id]
	delete(m.pools, id)
	m.mu.Unlock()
	if ok {
		p.Close()
	}
}

// StatsAll snapshots every live pool, keyed by source id.
func (m *Manager) StatsAll() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.Stats()
	}
	return out
}

// Shutdown closes every pool.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for id, p := range m.pools {
		pools = append(pools, p)
		delete(m.pools, id)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}
