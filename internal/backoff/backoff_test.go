package backoff

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary error")

func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}

	tests := []struct {
		name    string
		attempt int
		rand    float64
		want    time.Duration
	}{
		{"first attempt no jitter", 1, 0, 100 * time.Millisecond},
		{"second attempt", 2, 0, 200 * time.Millisecond},
		{"third attempt full jitter", 3, 1, 600 * time.Millisecond},
		{"clamped to max", 10, 0, time.Second},
		{"zero attempt treated as first", 0, 0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.delayWithRand(tt.attempt, tt.rand); got != tt.want {
				t.Errorf("delayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.rand, got, tt.want)
			}
		})
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() = %v, want context.Canceled", err)
	}
}

func TestRetry_SucceedsAfterRetries(t *testing.T) {
	var calls int32
	res, err := Retry(context.Background(), fastPolicy(), 5, nil, func(_ context.Context, attempt int) (int, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return 0, errTemporary
		}
		return attempt, nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if res.Value != 3 || res.Attempts != 3 {
		t.Errorf("value=%d attempts=%d, want 3/3", res.Value, res.Attempts)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	res, err := Retry(context.Background(), fastPolicy(), 3, nil, func(context.Context, int) (string, error) {
		return "", errTemporary
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) || !errors.Is(err, errTemporary) {
		t.Fatalf("err = %v, want exhausted wrapping temporary", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d", res.Attempts)
	}
}

func TestRetry_NonRetryableStops(t *testing.T) {
	fatal := errors.New("fatal")
	var calls int32
	_, err := Retry(context.Background(), fastPolicy(), 5,
		func(err error) bool { return !errors.Is(err, fatal) },
		func(context.Context, int) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, fatal
		})
	if !errors.Is(err, fatal) || errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ContextCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Initial: time.Hour, Max: time.Hour, Factor: 1}
	_, err := Retry(ctx, policy, 3, nil, func(context.Context, int) (int, error) {
		cancel()
		return 0, errTemporary
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDo(t *testing.T) {
	var calls int32
	err := Do(context.Background(), fastPolicy(), 2, func(context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errTemporary
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}
