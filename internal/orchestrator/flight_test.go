package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetql/fleet/internal/adapters"
)

func TestFlightCoalescesConcurrentCalls(t *testing.T) {
	f := newFlight()
	var executions int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (*execResult, error) {
		atomic.AddInt32(&executions, 1)
		<-release
		return &execResult{rows: &adapters.RowSet{Columns: []string{"x"}}}, nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*execResult, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := f.do(context.Background(), "shared", fn)
			if err != nil {
				t.Errorf("do: %v", err)
				return
			}
			results[i] = res
		}()
	}

	// Let every caller join the flight before the execution finishes.
	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		fc := f.calls["shared"]
		joined := 0
		if fc != nil {
			joined = fc.waiters
		}
		f.mu.Unlock()
		if joined == callers {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d callers joined the flight", joined, callers)
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
	for i, res := range results {
		if res == nil || len(res.rows.Columns) != 1 {
			t.Errorf("caller %d result = %+v", i, res)
		}
	}
}

func TestFlightDistinctKeysRunSeparately(t *testing.T) {
	f := newFlight()
	var executions int32
	fn := func(ctx context.Context) (*execResult, error) {
		atomic.AddInt32(&executions, 1)
		return &execResult{rows: &adapters.RowSet{}}, nil
	}
	if _, _, err := f.do(context.Background(), "a", fn); err != nil {
		t.Fatalf("do: %v", err)
	}
	if _, _, err := f.do(context.Background(), "b", fn); err != nil {
		t.Fatalf("do: %v", err)
	}
	if executions != 2 {
		t.Errorf("executions = %d, want 2", executions)
	}
}

func TestFlightFreshExecutionAfterCanceledCall(t *testing.T) {
	f := newFlight()
	blocked := func(ctx context.Context) (*execResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.do(ctx, "k", blocked)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		_, registered := f.calls["k"]
		f.mu.Unlock()
		if registered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call never registered")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	// The canceled call is retired with its key, so the next caller
	// starts a fresh execution on a live context.
	f.mu.Lock()
	_, registered := f.calls["k"]
	f.mu.Unlock()
	if registered {
		t.Fatal("canceled call still registered")
	}

	res, _, err := f.do(context.Background(), "k",
		func(ctx context.Context) (*execResult, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &execResult{rows: &adapters.RowSet{Columns: []string{"x"}}}, nil
		})
	if err != nil {
		t.Fatalf("do after canceled call: %v", err)
	}
	if res == nil || len(res.rows.Columns) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestFlightLastWaiterCancelsSharedExecution(t *testing.T) {
	f := newFlight()
	sawCancel := make(chan struct{})

	fn := func(ctx context.Context) (*execResult, error) {
		<-ctx.Done()
		close(sawCancel)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := f.do(ctx, "k", fn)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("caller error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("caller never returned")
	}
	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("shared execution context never canceled")
	}
}
