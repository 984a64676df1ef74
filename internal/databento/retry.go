package databento

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"databento-ingest/internal/config"
)

// RequestError is a non-2xx response from the vendor. Whether it is retryable
// depends on the policy's status set; auth and request-validation errors are
// terminal.
type RequestError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("databento: HTTP %d: %s", e.Status, e.Body)
}

// IsAuthError reports whether the failure is a credential problem that should
// surface to the operator rather than retry.
func IsAuthError(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && (re.Status == http.StatusUnauthorized || re.Status == http.StatusForbidden)
}

// RetryPolicy applies exponential backoff with jitter at the adapter's call
// boundary. One policy instance serves one job; the set of non-retryable
// errors is closed here rather than scattered across call sites.
type RetryPolicy struct {
	cfg      config.RetryConfig
	statuses map[int]bool
}

func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	statuses := make(map[int]bool, len(cfg.RetryOnStatus))
	for _, s := range cfg.RetryOnStatus {
		statuses[s] = true
	}
	return &RetryPolicy{cfg: cfg, statuses: statuses}
}

// Retryable classifies an error. Transient transport failures and the
// configured status codes retry; everything else aborts the job.
func (p *RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RequestError
	if errors.As(err, &re) {
		return p.statuses[re.Status]
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return isTransportError(err)
}

// isTransportError matches connection-level failures worth retrying.
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or a
// non-retryable error occurs. When the server advertises Retry-After and the
// policy respects it, the hint overrides the computed delay.
func (p *RetryPolicy) Do(ctx context.Context, what string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BaseDelay
	bo.MaxInterval = p.cfg.MaxDelay
	bo.Multiplier = p.cfg.Multiplier
	bo.MaxElapsedTime = 0 // bounded by attempts, not wall clock
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop || delay > p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
		}
		var re *RequestError
		if p.cfg.RespectRetryAfter && errors.As(lastErr, &re) && re.RetryAfter > 0 {
			delay = re.RetryAfter
		}

		log.Printf("[databento] %s failed (attempt %d/%d), retrying in %s: %v",
			what, attempt, p.cfg.MaxAttempts, delay.Truncate(time.Millisecond), lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, p.cfg.MaxAttempts, lastErr)
}

// parseRetryAfter reads the Retry-After header, accepting both delta-seconds
// and HTTP-date forms. Zero means no usable hint.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
