// Package httpkit builds the HTTP client the terminal viewer uses to
// read a running dashboard's JSON API.
package httpkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/meshview/internal/buildinfo"
)

// Transport limits. A viewer talks to one dashboard, so the idle pool
// is small.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 2

	defaultTimeout = 30 * time.Second
	errorBodyLimit = 512
)

// Option adjusts a client built by [NewClient].
type Option func(*apiTransport, *http.Client)

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(_ *apiTransport, c *http.Client) { c.Timeout = d }
}

// WithRetry retries GET and HEAD requests up to n times, delay apart,
// when the connection could not be established. This covers the window
// in which a dashboard is restarting.
func WithRetry(n int, delay time.Duration) Option {
	return func(t *apiTransport, _ *http.Client) {
		t.retries = n
		t.delay = delay
	}
}

// NewTransport returns an http.Transport with every timeout set.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient returns a client that identifies itself as meshview and
// applies opts.
func NewClient(opts ...Option) *http.Client {
	t := &apiTransport{base: NewTransport(), userAgent: buildinfo.UserAgent()}
	c := &http.Client{Timeout: defaultTimeout, Transport: t}
	for _, o := range opts {
		o(t, c)
	}
	return c
}

// apiTransport stamps the User-Agent and retries idempotent requests
// that never reached the server.
type apiTransport struct {
	base      http.RoundTripper
	userAgent string
	retries   int
	delay     time.Duration
}

func (t *apiTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	attempts := 1
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		attempts += t.retries
	}

	var err error
	for n := range attempts {
		if n > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(t.delay):
			}
		}
		var resp *http.Response
		resp, err = t.base.RoundTrip(req)
		if err == nil || !notConnected(err) {
			return resp, err
		}
	}
	return nil, err
}

// notConnected reports whether err means the request never reached the
// server. A reset connection does not qualify: the server may have seen
// the request.
func notConnected(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// StatusError is returned by [GetJSON] for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// GetJSON fetches url and decodes the JSON body into v. A non-empty user
// is sent with pass as basic auth.
func GetJSON(ctx context.Context, c *http.Client, url, user, pass string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
