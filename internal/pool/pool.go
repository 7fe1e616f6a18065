// Package pool maintains per-data-source connection pools. Admission
// is bounded per source: when every connection is busy, acquirers wait
// in FIFO order up to the configured acquire timeout, then fail with a
// pool-exhausted error rather than queueing unboundedly.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/fleetql/fleet/internal/adapters"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
)

const (
	defaultMaxSize        = 10
	defaultIdleTimeout    = 60 * time.Second
	defaultAcquireTimeout = 5 * time.Second
	sweepInterval         = 15 * time.Second
)

// Stats is a point-in-time snapshot of one pool.
type Stats struct {
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
}

type idleConn struct {
	conn     adapters.BackendConn
	idleFrom time.Time
}

// waiters receive an idle connection, or nil when a slot freed up and
// the waiter should dial its own.
type waiter chan adapters.BackendConn

// Pool is one source's bounded connection pool.
type Pool struct {
	id   string
	cfg  registry.PoolConfig
	dial func(ctx context.Context) (adapters.BackendConn, error)

	mu      sync.Mutex
	idle    []idleConn
	active  int
	waiters []waiter
	closed  bool

	stop chan struct{}
	done chan struct{}
}

func newPool(id string, cfg registry.PoolConfig,
	dial func(ctx context.Context) (adapters.BackendConn, error)) *Pool {

	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	p := &Pool{
		id:   id,
		cfg:  cfg,
		dial: dial,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Acquire checks out a connection, dialing a new one when the pool is
// under its limit. At the limit the caller waits FIFO until a
// connection frees or the acquire timeout elapses.
func (p *Pool) Acquire(ctx context.Context) (adapters.BackendConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fleeterrors.NewInternal("pool", errPoolClosed)
	}

	// Prefer the most recently used idle connection.
	if n := len(p.idle); n > 0 {
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.mu.Unlock()
		return p.vet(ctx, ic.conn)
	}

	if p.active+len(p.idle) < p.cfg.MaxSize {
		p.active++
		p.mu.Unlock()
		return p.dialFresh(ctx)
	}

	w := make(waiter, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-w:
		if conn == nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil, fleeterrors.NewInternal("pool", errPoolClosed)
			}
			return p.dialFresh(ctx)
		}
		return p.vet(ctx, conn)
	case <-timer.C:
		p.abandon(w)
		return nil, fleeterrors.NewPoolExhausted(p.id, p.cfg.AcquireTimeout)
	case <-ctx.Done():
		p.abandon(w)
		return nil, ctx.Err()
	}
}

// abandon removes a timed-out waiter; a handoff that raced the timeout
// is pushed back into circulation.
func (p *Pool) abandon(w waiter) {
	p.mu.Lock()
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	select {
	case conn := <-w:
		if conn != nil {
			p.Release(conn, false)
		} else {
			p.giveBack()
		}
	default:
	}
}

// vet health-checks a pooled connection before reuse, replacing it when
// the check fails.
func (p *Pool) vet(ctx context.Context, conn adapters.BackendConn) (adapters.BackendConn, error) {
	if err := conn.HealthCheck(ctx); err != nil {
		conn.Close()
		return p.dialFresh(ctx)
	}
	return conn, nil
}

// dialFresh opens a new connection for an already-claimed active slot.
func (p *Pool) dialFresh(ctx context.Context) (adapters.BackendConn, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		p.giveBack()
		return nil, err
	}
	return conn, nil
}

// giveBack releases a claimed slot without a connection, waking the
// next waiter to dial its own.
func (p *Pool) giveBack() {
	p.mu.Lock()
	p.active--
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.active++
		p.mu.Unlock()
		w <- nil
		return
	}
	p.mu.Unlock()
}

// Release returns a connection. Bad connections are closed and their
// slot handed to the next waiter for a fresh dial.
func (p *Pool) Release(conn adapters.BackendConn, bad bool) {
	if bad {
		conn.Close()
		p.giveBack()
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- conn
		return
	}
	p.active--
	p.idle = append(p.idle, idleConn{conn: conn, idleFrom: time.Now()})
	p.mu.Unlock()
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Active: p.active, Idle: len(p.idle), Waiting: len(p.waiters)}
}

// sweep closes connections idle past the timeout, keeping the warm
// floor of MinSize connections.
func (p *Pool) sweep() {
	defer close(p.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			var stale []adapters.BackendConn
			p.mu.Lock()
			for len(p.idle) > 0 && p.active+len(p.idle) > p.cfg.MinSize {
				if now.Sub(p.idle[0].idleFrom) < p.cfg.IdleTimeout {
					break
				}
				stale = append(stale, p.idle[0].conn)
				p.idle = p.idle[1:]
			}
			p.mu.Unlock()
			for _, c := range stale {
				c.Close()
			}
		}
	}
}

// Close drains the pool. Checked-out connections are closed by their
// holders on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	for _, ic := range idle {
		ic.conn.Close()
	}
	for _, w := range waiters {
		close(w)
	}
}

type poolClosedError struct{}

func (poolClosedError) Error() string { return "pool is closed" }

var errPoolClosed = poolClosedError{}
