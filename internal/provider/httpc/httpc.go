// Package httpc is the HTTP layer shared by all provider clients. Every
// request runs through a per-host circuit breaker, and failures come back
// classified into the pipeline error taxonomy: 429 is a rate limit, 5xx
// and broken connections are transient, other 4xx are terminal.
//
// The package never retries. Retry policy belongs to the fetcher, and
// keeping it in exactly one place means a "5 attempts" setting can never
// silently become 25.
package httpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/logging"
)

const (
	// DefaultBreakerFailures is the consecutive-failure count that opens
	// the breaker.
	DefaultBreakerFailures = 5

	// DefaultBreakerCooldown is how long an open breaker waits before
	// letting probe requests through.
	DefaultBreakerCooldown = 2 * time.Minute
)

// Options tune one client. Zero values take the defaults above.
type Options struct {
	// Client overrides the underlying HTTP client. Deadlines come from
	// request contexts, so the default client carries no timeout.
	Client *http.Client

	// BreakerFailures opens the breaker after this many consecutive
	// failures.
	BreakerFailures uint32

	// BreakerCooldown holds the breaker open for this long.
	BreakerCooldown time.Duration
}

// Client wraps an http.Client with a circuit breaker and taxonomy
// classification. Construct one per provider host.
type Client struct {
	name string
	hc   *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *slog.Logger
}

// New builds a client named after the provider host it serves. The name
// shows up in breaker state transitions and health checks.
func New(name string, opts Options) *Client {
	hc := opts.Client
	if hc == nil {
		hc = &http.Client{}
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	cooldown := opts.BreakerCooldown
	if cooldown == 0 {
		cooldown = DefaultBreakerCooldown
	}
	log := logging.Component("httpc").With("host", name)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Client{name: name, hc: hc, cb: cb, log: log}
}

// State reports the breaker state for health checks.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}

// Do executes one request through the breaker. 429 and 5xx responses are
// drained, closed and returned as retriable errors; other non-2xx
// statuses are terminal. On success the caller owns the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	v, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, classifyNetErr(req, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			status := resp.StatusCode
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, classifyStatus(req, status)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrapf(errors.ErrTransient, "%s: circuit open", c.name)
		}
		return nil, err
	}

	resp := v.(*http.Response)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Terminal statuses do not count against the breaker: the host is
		// healthy and the request is wrong.
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, errors.Wrapf(errors.ErrNotFound, "%s %s: status 404", req.Method, req.URL)
		}
		return nil, fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.StatusCode)
	}
	return resp, nil
}

// Get issues a GET with the given headers. A nil header is fine.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.Do(req)
}

// Head issues a HEAD, closes the body and reports only the error. Used by
// listing probes and health checks.
func (c *Client) Head(ctx context.Context, url string, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", url, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetJSON issues a GET and decodes the body into out. Decode failures are
// terminal: a host that answers 200 with garbage has changed its contract
// and hammering it again will not help.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	resp, err := c.Get(ctx, url, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode listing: %w", url, err)
	}
	return nil
}

// Download issues a GET and streams the body into w, returning the byte
// count. A connection broken mid-body is transient; the fetcher decides
// whether to try again.
func (c *Client) Download(ctx context.Context, url string, header http.Header, w io.Writer) (int64, error) {
	resp, err := c.Get(ctx, url, header)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return n, err
		}
		return n, errors.Wrapf(errors.ErrTransient, "%s: body read failed after %d bytes: %v", url, n, err)
	}
	return n, nil
}

func classifyStatus(req *http.Request, status int) error {
	if status == http.StatusTooManyRequests {
		return errors.Wrapf(errors.ErrRateLimited, "%s %s: status 429", req.Method, req.URL)
	}
	return errors.Wrapf(errors.ErrTransient, "%s %s: status %d", req.Method, req.URL, status)
}

func classifyNetErr(req *http.Request, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrapf(errors.ErrTimeout, "%s %s", req.Method, req.URL)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Wrapf(errors.ErrTimeout, "%s %s", req.Method, req.URL)
	}
	return errors.Wrapf(errors.ErrConnectionFailed, "%s %s: %v", req.Method, req.URL, err)
}
