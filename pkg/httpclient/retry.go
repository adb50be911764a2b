package httpclient

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// retryTransport retries transient failures with exponential backoff and
// jitter. Only idempotent methods are retried unless the config opts in.
type retryTransport struct {
	base        http.RoundTripper
	attempts    int
	backoff     time.Duration
	maxBackoff  time.Duration
	retryUnsafe bool
}

func newRetryTransport(base http.RoundTripper, cfg Config) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{
		base: base,
		// attempts counts the initial try
		attempts:    cfg.RetryAttempts + 1,
		backoff:     cfg.RetryBackoff,
		maxBackoff:  cfg.MaxBackoff,
		retryUnsafe: cfg.AllowNonIdempotentRetry,
	}
}

// RoundTrip implements http.RoundTripper. On the final attempt the response
// is returned as-is, body open, so callers can still read the error payload.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotent(req.Method) && !t.retryUnsafe {
		return t.base.RoundTrip(req)
	}

	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && !transient(err) {
			return nil, err
		}
		if attempt == t.attempts-1 {
			return resp, err
		}

		var hint time.Duration
		if resp != nil {
			hint = parseRetryAfter(resp)
			resp.Body.Close()
		}

		delay := t.delay(attempt + 1)
		if hint > 0 && hint < delay {
			delay = hint
		}
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
}

func idempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryableStatus reports whether a status code is worth another attempt.
// 5xx, 408, and 429 qualify; other 4xx codes are the caller's problem.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// transient reports whether a transport error is likely to clear on retry.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return transient(urlErr.Err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "connection reset", "no such host", "unreachable", "eof"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// delay computes the backoff before the given retry, with up to 20% jitter.
func (t *retryTransport) delay(attempt int) time.Duration {
	d := t.backoff << (attempt - 1)
	if d <= 0 || d > t.maxBackoff {
		d = t.maxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// parseRetryAfter reads a Retry-After header in either seconds or HTTP-date
// form. Returns 0 when absent or unusable.
func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay
		}
	}
	return 0
}
