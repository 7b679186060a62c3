// Package edgeproxy provides retry functionality for proxied requests.
package edgeproxy

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy defines the retry behavior for failing proxied requests.
// A request may be retried against the same server a number of times and
// then failed over to additional servers chosen by the load balancer.
type RetryPolicy struct {
	// Enabled indicates whether retries are performed at all.
	Enabled bool
	// MaxSameServerRetries is the number of retries against the server
	// that served the initial attempt.
	MaxSameServerRetries int
	// MaxNextServers is the number of additional servers to fail over to
	// after the current server's attempts are exhausted.
	MaxNextServers int
	// BaseDelay is the base delay between retries.
	BaseDelay time.Duration
	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration
	// Jitter is the amount of randomness to add to the delay.
	Jitter float64
	// PerTryTimeout is the timeout for each attempt.
	PerTryTimeout time.Duration
	// RetryAllMethods allows retrying non-idempotent methods such as POST.
	// When false only GET, HEAD and OPTIONS requests are retried.
	RetryAllMethods bool
	// RetryableStatusCodes is the set of status codes that trigger a retry.
	RetryableStatusCodes map[int]bool
}

// DefaultRetryPolicy returns a default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:              true,
		MaxSameServerRetries: 1,
		MaxNextServers:       1,
		BaseDelay:            50 * time.Millisecond,
		MaxDelay:             10 * time.Second,
		Jitter:               0.1,
		PerTryTimeout:        5 * time.Second,
		RetryAllMethods:      false,
		RetryableStatusCodes: map[int]bool{
			408: true, // Request Timeout
			429: true, // Too Many Requests
			500: true, // Internal Server Error
			502: true, // Bad Gateway
			503: true, // Service Unavailable
			504: true, // Gateway Timeout
		},
	}
}

// WithEnabled enables or disables the policy.
func (p RetryPolicy) WithEnabled(enabled bool) RetryPolicy {
	p.Enabled = enabled
	return p
}

// WithMaxSameServerRetries sets the number of retries against the same server.
func (p RetryPolicy) WithMaxSameServerRetries(retries int) RetryPolicy {
	p.MaxSameServerRetries = retries
	return p
}

// WithMaxNextServers sets the number of additional servers to try.
func (p RetryPolicy) WithMaxNextServers(servers int) RetryPolicy {
	p.MaxNextServers = servers
	return p
}

// WithBaseDelay sets the base delay.
func (p RetryPolicy) WithBaseDelay(baseDelay time.Duration) RetryPolicy {
	p.BaseDelay = baseDelay
	return p
}

// WithMaxDelay sets the maximum delay.
func (p RetryPolicy) WithMaxDelay(maxDelay time.Duration) RetryPolicy {
	p.MaxDelay = maxDelay
	return p
}

// WithJitter sets the jitter.
func (p RetryPolicy) WithJitter(jitter float64) RetryPolicy {
	p.Jitter = jitter
	return p
}

// WithPerTryTimeout sets the timeout for each attempt.
func (p RetryPolicy) WithPerTryTimeout(timeout time.Duration) RetryPolicy {
	p.PerTryTimeout = timeout
	return p
}

// WithRetryAllMethods allows retrying all HTTP methods instead of only
// idempotent ones.
func (p RetryPolicy) WithRetryAllMethods(all bool) RetryPolicy {
	p.RetryAllMethods = all
	return p
}

// WithRetryableStatusCodes sets the status codes that should trigger a retry.
func (p RetryPolicy) WithRetryableStatusCodes(codes ...int) RetryPolicy {
	p.RetryableStatusCodes = make(map[int]bool, len(codes))
	for _, code := range codes {
		p.RetryableStatusCodes[code] = true
	}
	return p
}

// WithAdditionalRetryableStatusCodes extends the retryable status code set
// without replacing the defaults.
func (p RetryPolicy) WithAdditionalRetryableStatusCodes(codes ...int) RetryPolicy {
	merged := make(map[int]bool, len(p.RetryableStatusCodes)+len(codes))
	for code := range p.RetryableStatusCodes {
		merged[code] = true
	}
	for _, code := range codes {
		merged[code] = true
	}
	p.RetryableStatusCodes = merged
	return p
}

// ShouldRetryStatus returns true if the status code should trigger a retry.
func (p RetryPolicy) ShouldRetryStatus(statusCode int) bool {
	return p.RetryableStatusCodes[statusCode]
}

// ShouldRetryMethod returns true if requests with the given method may be
// retried under this policy.
func (p RetryPolicy) ShouldRetryMethod(method string) bool {
	if p.RetryAllMethods {
		return true
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// MaxAttempts returns the upper bound on attempts a single request can consume.
func (p RetryPolicy) MaxAttempts() int {
	return (1 + p.MaxSameServerRetries) * (1 + p.MaxNextServers)
}

// CalculateBackoff calculates the backoff duration for a retry attempt.
func (p RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))

	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}

	// Add jitter to prevent synchronized retries
	if p.Jitter > 0 {
		randomBig, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			// Fall back to no jitter if crypto/rand fails
			return time.Duration(backoff)
		}
		random := float64(randomBig.Int64()) / 1000000.0
		jitter := (random*2 - 1) * p.Jitter * backoff
		backoff += jitter
	}

	return time.Duration(backoff)
}

// AttemptFunc executes a single proxied attempt against the given server.
type AttemptFunc func(ctx context.Context, srv Server) (*http.Response, error)

// cancelBodyCloser ties a context cancel function to the response body so the
// per-attempt context stays alive until the caller finishes reading.
type cancelBodyCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelBodyCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Execute runs fn with retries according to the policy, choosing servers from
// the balancer. The final response, successful or not, is returned undrained
// so the caller can stream it; intermediate failed responses are drained and
// closed. A nil response with a non-nil error indicates a transport-level
// failure the caller must map to a gateway status.
func (p RetryPolicy) Execute(ctx context.Context, method string, balancer Balancer, metrics *MetricsCollector, service string, fn AttemptFunc) (*http.Response, error) {
	serverTries := 1
	sameTries := 1
	retryable := p.Enabled && p.ShouldRetryMethod(method)
	if retryable {
		serverTries = 1 + p.MaxNextServers
		sameTries = 1 + p.MaxSameServerRetries
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	totalAttempt := 0

	for serverIdx := 0; serverIdx < serverTries; serverIdx++ {
		srv, err := balancer.Choose(ctx)
		if err != nil {
			if lastResp != nil || lastErr != nil {
				break
			}
			return nil, fmt.Errorf("choosing server for %s: %w", service, err)
		}

		for attempt := 0; attempt < sameTries; attempt++ {
			attemptCtx := ctx
			cancel := context.CancelFunc(func() {})
			if p.PerTryTimeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, p.PerTryTimeout)
			}

			attemptStart := time.Now()
			resp, err := fn(attemptCtx, srv)

			statusCode := 0
			if resp != nil {
				statusCode = resp.StatusCode
			}
			if metrics != nil && totalAttempt > 0 {
				metrics.RecordRetryAttempt(service, srv.String())
				metrics.RecordRequest(service+"_retry_"+strconv.Itoa(totalAttempt), attemptStart, statusCode, err)
			}

			success := err == nil && !p.ShouldRetryStatus(statusCode)
			lastAttempt := !retryable || (serverIdx == serverTries-1 && attempt == sameTries-1)

			if success || lastAttempt || ctx.Err() != nil {
				if err == nil && resp != nil {
					resp.Body = &cancelBodyCloser{ReadCloser: resp.Body, cancel: cancel}
					return resp, nil
				}
				cancel()
				if ctx.Err() != nil {
					return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
				}
				if err != nil {
					if retryable && totalAttempt > 0 {
						return nil, fmt.Errorf("%w: %w", ErrMaxRetriesReached, err)
					}
					return nil, err
				}
			}

			// Drain and close the failed attempt so the connection can be reused.
			if resp != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}
			cancel()
			lastResp = resp
			lastErr = err
			totalAttempt++

			backoff := p.CalculateBackoff(totalAttempt - 1)
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
			}
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrMaxRetriesReached, lastErr)
	}
	return nil, ErrMaxRetriesReached
}
