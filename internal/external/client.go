// Package external holds the clients for third-party services. Outbound HTTP
// goes through BaseClient, which adds circuit breaking, bounded retries on
// throttling and server errors, request id propagation, and error mapping to
// types.AppError.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"

	"eventbell/internal/security"
	"eventbell/internal/types"
)

// RetryPolicy bounds the retries of one request.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy retries twice with waits between 250ms and 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, MinWait: 250 * time.Millisecond, MaxWait: 5 * time.Second}
}

// BaseClient is an http.Client decorated with a circuit breaker and retries.
// It satisfies any interface with a Do(*http.Request) method.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	breakerName string
	perHost     bool
	retry       RetryPolicy
	userAgent   string
	sleep       func(time.Duration)

	mu    sync.Mutex
	hosts map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// maxHostBreakers bounds the per-host breaker map. When it is full the map
// starts over, which resets every host to closed.
const maxHostBreakers = 1024

// BaseClientOption customizes a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc replaces the wait between retries. Tests use it to avoid
// real delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) { c.sleep = fn }
}

// WithBreaker shares a breaker between clients or injects one in tests.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) { c.breaker = cb }
}

// WithPerHostBreakers gives every upstream host its own breaker, named
// "<breakerName>:<host>", so a failing host only blocks requests to itself.
// An injected WithBreaker takes precedence.
func WithPerHostBreakers() BaseClientOption {
	return func(c *BaseClient) { c.perHost = true }
}

// NewBreaker returns the breaker used by default: it opens after more than
// five consecutive failures and probes again after 30 seconds. Requests the
// address guard refused, and connections the endpoint refused, are verdicts
// on one endpoint rather than on upstream health and do not count.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || endpointRejected(err)
		},
	})
}

// NewBaseClient creates a BaseClient. A nil httpClient uses
// http.DefaultClient.
func NewBaseClient(httpClient *http.Client, breakerName string, policy RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &BaseClient{
		client:      httpClient,
		breakerName: breakerName,
		retry:       policy,
		userAgent:   userAgent,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil && !c.perHost {
		c.breaker = NewBreaker(breakerName)
	}
	return c
}

func (c *BaseClient) breakerFor(host string) *gobreaker.CircuitBreaker[*http.Response] {
	if c.breaker != nil {
		return c.breaker
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.hosts[host]; ok {
		return cb
	}
	if c.hosts == nil || len(c.hosts) >= maxHostBreakers {
		c.hosts = make(map[string]*gobreaker.CircuitBreaker[*http.Response])
	}
	cb := NewBreaker(c.breakerName + ":" + host)
	c.hosts[host] = cb
	return cb
}

// endpointRejected reports failures that are final for the endpoint: the
// guard refused its address, or nothing listens there.
func endpointRejected(err error) bool {
	return errors.Is(err, security.ErrBlockedAddress) || errors.Is(err, syscall.ECONNREFUSED)
}

// errRetryable marks a response the breaker counts as a failure.
var errRetryable = errors.New("retryable upstream status")

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// Do sends req. Responses other than 429 and 5xx are returned as they are,
// with the body left for the caller to close. When retries run out, or the
// breaker is open, Do returns an AppError with an upstream code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
		_ = req.Body.Close()
	}

	breaker := c.breakerFor(req.URL.Host)
	var (
		lastStatus int
		lastErr    error
	)
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if retryableStatus(r.StatusCode) {
				return r, fmt.Errorf("%w: %d", errRetryable, r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr, lastStatus = err, 0
		var wait time.Duration
		if resp != nil {
			lastStatus = resp.StatusCode
			wait = c.backoff(attempt, resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
		} else {
			wait = c.backoff(attempt, "")
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
			endpointRejected(err) {
			break
		}
		if req.Context().Err() != nil {
			break
		}
		if attempt < c.retry.MaxRetries {
			c.sleep(wait)
		}
	}

	return nil, mapUpstreamError(lastStatus, lastErr)
}

// backoff honours Retry-After (seconds or HTTP date) and otherwise picks a
// jittered exponential wait, both clamped to the policy bounds.
func (c *BaseClient) backoff(attempt int, retryAfter string) time.Duration {
	clamp := func(d time.Duration) time.Duration {
		return min(max(d, c.retry.MinWait), c.retry.MaxWait)
	}

	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			return clamp(time.Duration(secs) * time.Second)
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			return clamp(time.Until(at))
		}
	}

	ceiling := c.retry.MinWait << attempt
	if ceiling <= c.retry.MinWait {
		return clamp(c.retry.MinWait)
	}
	return clamp(c.retry.MinWait + rand.N(ceiling-c.retry.MinWait))
}

func mapUpstreamError(status int, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker open", err)
	case errors.Is(err, security.ErrBlockedAddress):
		return types.NewAppError(types.ErrCodeUpstreamPush, "endpoint address is not publicly routable", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return types.NewAppError(types.ErrCodeUpstreamPush, "endpoint refused the connection", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request timed out", err)
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
	case status >= http.StatusInternalServerError:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("upstream returned %d after retries", status), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request failed", err)
}
