package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunResolvesBeforeBudget(t *testing.T) {
	attempts := 0
	err := Run(context.Background(), Config{Interval: time.Millisecond, MaxAttempts: 5}, func(ctx context.Context, attempt int) (bool, error) {
		attempts = attempt
		return attempt == 3, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRunExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Run(context.Background(), Config{Interval: time.Millisecond, MaxAttempts: 4}, func(ctx context.Context, attempt int) (bool, error) {
		attempts = attempt
		return false, nil
	})
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
}

func TestRunStopsOnError(t *testing.T) {
	boom := errors.New("partner unavailable")
	err := Run(context.Background(), Config{Interval: time.Millisecond, MaxAttempts: 4}, func(ctx context.Context, attempt int) (bool, error) {
		if attempt == 2 {
			return false, boom
		}
		return false, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped poll error, got %v", err)
	}
}

func TestRunHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, Config{Interval: time.Hour, MaxAttempts: 2}, func(ctx context.Context, attempt int) (bool, error) {
		t.Fatal("fn should not run after cancellation")
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunValidatesConfig(t *testing.T) {
	if err := Run(context.Background(), Config{}, func(context.Context, int) (bool, error) { return true, nil }); err == nil {
		t.Fatal("expected validation error")
	}
}
