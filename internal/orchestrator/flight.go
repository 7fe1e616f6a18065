package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fleetql/fleet/internal/adapters"
)

// execResult is the merged outcome of one plan execution.
type execResult struct {
	rows    *adapters.RowSet
	sources []string
}

// flight coalesces identical concurrent executions. The shared
// execution runs on its own context and is canceled only when every
// waiter has gone; one caller disconnecting never aborts the others.
type flight struct {
	g     singleflight.Group
	mu    sync.Mutex
	calls map[string]*flightCall
}

type flightCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func newFlight() *flight {
	return &flight{calls: make(map[string]*flightCall)}
}

// do runs fn once per key, sharing the result with concurrent callers.
// The returned bool reports whether the result was shared.
func (f *flight) do(ctx context.Context, key string,
	fn func(ctx context.Context) (*execResult, error)) (*execResult, bool, error) {

	f.mu.Lock()
	fc, ok := f.calls[key]
	if !ok {
		cctx, cancel := context.WithCancel(context.Background())
		fc = &flightCall{ctx: cctx, cancel: cancel}
		f.calls[key] = fc
	}
	fc.waiters++
	f.mu.Unlock()

	ch := f.g.DoChan(key, func() (interface{}, error) {
		return fn(fc.ctx)
	})

	select {
	case res := <-ch:
		f.leave(key, fc)
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*execResult), res.Shared, nil
	case <-ctx.Done():
		f.leave(key, fc)
		return nil, false, ctx.Err()
	}
}

// leave drops one waiter. The last one out cancels the shared
// execution and retires its key in the same critical section, so a
// later caller can never latch onto a canceled call.
func (f *flight) leave(key string, fc *flightCall) {
	f.mu.Lock()
	fc.waiters--
	if fc.waiters == 0 {
		fc.cancel()
		if f.calls[key] == fc {
			delete(f.calls, key)
		}
		f.g.Forget(key)
	}
	f.mu.Unlock()
}
