package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{408, true},
		{425, true},
		{429, true},
		{500, true},
		{501, false},
		{503, true},
		{507, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 5, Base: time.Millisecond, Cap: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("busy"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryReturnsPermanentErrorImmediately(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 5, Base: time.Millisecond, Cap: time.Millisecond}, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("Retry() = %v after %d calls, want permanent error after 1", err, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	busy := errors.New("busy")
	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 2, Base: time.Millisecond, Cap: time.Millisecond}, func(context.Context) error {
		calls++
		return Retryable(busy)
	})
	if err != busy || calls != 2 {
		t.Fatalf("Retry() = %v after %d calls", err, calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{Attempts: 3, Base: time.Hour, Cap: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return Retryable(errors.New("busy"))
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("Retry() = %v after %d calls", err, calls)
	}
}
