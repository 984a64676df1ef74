package databento

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"databento-ingest/internal/config"
)

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		Multiplier:        2.0,
		RetryOnStatus:     []int{429, 500, 502, 503, 504},
		RespectRetryAfter: true,
	}
}

func TestRetryableClassification(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(testRetryConfig())

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limited", err: &RequestError{Status: 429}, want: true},
		{name: "bad gateway", err: &RequestError{Status: 502}, want: true},
		{name: "auth", err: &RequestError{Status: 401}, want: false},
		{name: "bad request", err: &RequestError{Status: 400}, want: false},
		{name: "not found", err: &RequestError{Status: 404}, want: false},
		{name: "wrapped status", err: fmt.Errorf("call: %w", &RequestError{Status: 503}), want: true},
		{name: "net op error", err: &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, want: true},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := p.Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(testRetryConfig())
	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return &RequestError{Status: 401, Body: "bad key"}
	})
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(testRetryConfig())
	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return &RequestError{Status: 503}
	})
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
	var re *RequestError
	if !errors.As(err, &re) || re.Status != 503 {
		t.Fatalf("want wrapped 503, got %v", err)
	}
}

func TestDoRecoversAfterTransient(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(testRetryConfig())
	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return &RequestError{Status: 500}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
}

func TestDoHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	cfg := testRetryConfig()
	cfg.MaxAttempts = 2
	p := NewRetryPolicy(cfg)

	const hint = 150 * time.Millisecond
	start := time.Now()
	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return &RequestError{Status: 429, RetryAfter: hint}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if elapsed := time.Since(start); elapsed < hint {
		t.Fatalf("retry fired after %s, want >= %s (Retry-After hint)", elapsed, hint)
	}
}

func TestDoIgnoresRetryAfterWhenDisabled(t *testing.T) {
	t.Parallel()

	cfg := testRetryConfig()
	cfg.MaxAttempts = 2
	cfg.RespectRetryAfter = false
	p := NewRetryPolicy(cfg)

	start := time.Now()
	calls := 0
	if err := p.Do(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return &RequestError{Status: 429, RetryAfter: time.Second}
		}
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("hint was honored despite respect_retry_after=false (%s)", elapsed)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	if d := parseRetryAfter(h); d != 0 {
		t.Fatalf("empty header: got %s", d)
	}

	h.Set("Retry-After", "2")
	if d := parseRetryAfter(h); d != 2*time.Second {
		t.Fatalf("delta-seconds: got %s", d)
	}

	h.Set("Retry-After", time.Now().Add(3*time.Second).UTC().Format(http.TimeFormat))
	if d := parseRetryAfter(h); d <= 0 || d > 3*time.Second {
		t.Fatalf("http-date: got %s", d)
	}

	h.Set("Retry-After", "garbage")
	if d := parseRetryAfter(h); d != 0 {
		t.Fatalf("garbage: got %s", d)
	}
}
