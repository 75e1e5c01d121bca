package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"syscall"
	"time"
)

// HTTPError reports a non-success status returned by the remote site.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// Retryable classifies errors per the fetch policy: connection resets,
// timeouts and aborted transfers, all 5xx, and 408/425/429 are retryable.
// Context cancellation and every other 4xx are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode >= 500:
			return true
		case httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode == http.StatusRequestTimeout,
			httpErr.StatusCode == http.StatusTooEarly:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	// Transport-level failures without a status are treated as transient.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// backoff returns 2^attempt * base plus random jitter, capped at maxDelay.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay) + randomJitter(base)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
