package httpclient

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy controls when and how to retry after a response or transport error.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first (default 3).
	MaxRetries int

	// BaseBackoff is the base wait before the first retry; it doubles (with ±25%
	// jitter) on each subsequent attempt, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Max429Wait caps how long a Retry-After on 429 is honored for.
	Max429Wait time.Duration
}

// DefaultRetryPolicy matches the manager client's default policy: 3 retries, 1s
// base backoff doubling up to 30s, Retry-After capped at 60s.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:  3,
	BaseBackoff: 1 * time.Second,
	MaxBackoff:  30 * time.Second,
	Max429Wait:  60 * time.Second,
}

// DoWithRetry performs req and retries on connection errors, timeouts, 429, and 5xx,
// honoring Retry-After on 429. 4xx other than 429 is never retried. Caller must close
// resp.Body when err == nil. A retried request resends its body through req.GetBody,
// which http.NewRequest sets for *bytes.Buffer, *bytes.Reader and *strings.Reader
// bodies; a request body without GetBody is not resent on retry.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = New(20, 30*time.Second)
	}
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	base := policy.BaseBackoff
	if base <= 0 {
		base = 1 * time.Second
	}
	maxBackoff := policy.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			req2, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
			if err != nil {
				return nil, err
			}
			if req.GetBody != nil {
				if req2.Body, err = req.GetBody(); err != nil {
					return nil, err
				}
				req2.GetBody = req.GetBody
				req2.ContentLength = req.ContentLength
			}
			for k, v := range req.Header {
				req2.Header[k] = v
			}
			req = req2
		}

		release := GlobalHostSem.Acquire(req.URL.String())
		resp, err := client.Do(req)
		release()
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				wait := jitter(base * time.Duration(1<<uint(attempt)))
				if wait > maxBackoff {
					wait = maxBackoff
				}
				log.Debug().Err(err).Str("url", req.URL.String()).Int("attempt", attempt+1).
					Dur("wait", wait).Msg("httpclient: transport error; retrying")
				if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
					return nil, sleepErr
				}
				continue
			}
			return nil, lastErr
		}

		code := resp.StatusCode
		if code < 400 {
			return resp, nil
		}

		if code == http.StatusTooManyRequests && attempt < maxRetries {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			wait := jitter(parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait))
			log.Warn().Str("url", req.URL.String()).Int("attempt", attempt+1).
				Dur("wait", wait).Msg("httpclient: 429 rate limited; retrying")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if code >= 500 && code < 600 && attempt < maxRetries {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			wait := jitter(base * time.Duration(1<<uint(attempt)))
			if wait > maxBackoff {
				wait = maxBackoff
			}
			log.Warn().Str("url", req.URL.String()).Int("status", code).Int("attempt", attempt+1).
				Dur("wait", wait).Msg("httpclient: server error; retrying")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		// Non-retryable status (4xx other than 429) or retries exhausted.
		return resp, nil
	}
	// Not reached: maxRetries is clamped to >= 0 above, and the last iteration
	// always returns.
	return nil, fmt.Errorf("httpclient: exhausted retries for %s: %w", req.URL.String(), lastErr)
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date); returns duration capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}

// jitter adds ±25% random jitter to d to spread retries across concurrent callers.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := float64(d) * 0.25
	delta := time.Duration(rand.Int63n(int64(frac*2+1))) - time.Duration(frac)
	result := d + delta
	if result < 0 {
		return 0
	}
	return result
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
