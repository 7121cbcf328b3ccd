// Package store talks to the remote grid and label store over its JSON
// HTTP API. Every request is bounded by a per-call timeout; failures
// are classified into connectivity errors, not-found lookups and plain
// status errors so callers can branch on the failure class.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrUnreachable marks connectivity failures: refused connections,
	// request timeouts and failed liveness probes.
	ErrUnreachable = errors.New("store unreachable")
	// ErrNotFound marks lookups the store answered with 404.
	ErrNotFound = errors.New("not found")
)

// StatusError is a non-2xx response with the store's error body.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store returned %d: %s", e.Code, e.Body)
}

// Options configure a Client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	UserAgent    string
	Logger       *zap.Logger
	HTTPClient   *http.Client
}

// Client issues typed requests against the store.
type Client struct {
	base         *url.URL
	http         *http.Client
	timeout      time.Duration
	probeTimeout time.Duration
	userAgent    string
	log          *zap.Logger

	// Probes are rate limited so a failing store is not stampeded by
	// every degraded operation probing at once.
	probeLimiter *rate.Limiter

	mu     sync.Mutex
	routes map[string]bool
}

// New builds a client for the store at opts.BaseURL.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, eris.New("store base URL required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, eris.Wrapf(err, "parse store base URL %q", opts.BaseURL)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, eris.Errorf("store base URL %q needs scheme and host", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 1500 * time.Millisecond
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "gridflow-annotator/1.0"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:         base,
		http:         httpClient,
		timeout:      opts.Timeout,
		probeTimeout: opts.ProbeTimeout,
		userAgent:    opts.UserAgent,
		log:          opts.Logger,
		probeLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, "", out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return eris.Wrapf(err, "encode %s body", path)
		}
	}
	return c.do(ctx, http.MethodPost, path, nil, &buf, "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return eris.Wrapf(err, "build %s %s", method, path)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures and deadline hits are connectivity errors.
		return eris.Wrapf(errors.Join(ErrUnreachable, err), "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return eris.Wrapf(ErrNotFound, "%s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return eris.Wrapf(&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))},
			"%s %s", method, path)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}

// Probe checks store liveness against the version endpoint with the
// short probe timeout and refreshes the capability map on success.
func (c *Client) Probe(ctx context.Context) error {
	if err := c.probeLimiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "probe rate limit")
	}
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	_, err := c.Version(ctx)
	return err
}

// Version fetches the store's version and route capability map.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	if err := c.get(ctx, "/api/version", nil, &info); err != nil {
		return VersionInfo{}, err
	}
	c.mu.Lock()
	c.routes = info.Routes
	c.mu.Unlock()
	return info, nil
}

// SupportsRoute reports whether the store advertised the named route.
// Before the first successful Version call every route reads false, so
// callers stay on their fallback paths against unknown stores.
func (c *Client) SupportsRoute(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routes[name]
}
