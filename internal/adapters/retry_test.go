package adapters

import (
	"context"
	"errors"
	"testing"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
)

func TestWithRetryTransient(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fleeterrors.NewExecutionFailed("src", errors.New("timeout"), true)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryExhausted(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return fleeterrors.NewExecutionFailed("src", errors.New("timeout"), true)
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryPermanentNotRetried(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return fleeterrors.NewExecutionFailed("src", errors.New("bad grammar"), false)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		cancel()
	}()
	err := WithRetry(ctx, func(ctx context.Context) error {
		attempts++
		return fleeterrors.NewExecutionFailed("src", errors.New("timeout"), true)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts > 3 {
		t.Errorf("attempts = %d", attempts)
	}
}
