// Package authclient talks to the remote authority: it verifies captured
// credentials and fetches the browser session policy.
package authclient

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
	"time"

	"github.com/entrhq/secure-browser/pkg/logging"
	"github.com/entrhq/secure-browser/pkg/types"
)

var (
	ErrNetworkFailure  = errors.New("network failure")
	ErrMalformedPolicy = errors.New("malformed session policy")
)

const (
	// DefaultTimeout bounds every request made by the client.
	DefaultTimeout = 30 * time.Second

	authenticatePath = "/authenticate"
	policyPath       = "/browser-settings"

	maxBodyBytes = 1 << 20
)

// Client is an HTTP client for the remote authority. It is stateless and
// safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	logger     logging.Interface
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l logging.Interface) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client for the authority at baseURL, which must be an
// absolute http or https URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := types.ParseAbsoluteURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the authority's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Verify asks the authority whether creds are acceptable. Status 200 means
// yes and any other status means no. Only a failure to complete the exchange
// is an error.
func (c *Client) Verify(ctx context.Context, creds types.Credentials) (bool, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return false, fmt.Errorf("encoding credentials: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, authenticatePath, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	defer closeBody(resp)

	ok := resp.StatusCode == http.StatusOK
	c.logger.Infof("Authority answered %d for user %q", resp.StatusCode, creds.Username)
	return ok, nil
}

// FetchPolicy retrieves the session policy. A transport failure, a non-200
// status or an undecodable body is ErrNetworkFailure; a decoded policy that
// fails validation is ErrMalformedPolicy.
func (c *Client) FetchPolicy(ctx context.Context) (types.SessionPolicy, error) {
	resp, err := c.do(ctx, http.MethodGet, policyPath, nil)
	if err != nil {
		return types.SessionPolicy{}, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return types.SessionPolicy{}, fmt.Errorf("%w: GET %s: unexpected status %s", ErrNetworkFailure, policyPath, resp.Status)
	}

	var payload types.PolicyPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return types.SessionPolicy{}, fmt.Errorf("%w: decoding policy: %w", ErrNetworkFailure, err)
	}

	policy, err := payload.Policy()
	if err == nil {
		err = policy.Validate()
	}
	if err != nil {
		return types.SessionPolicy{}, fmt.Errorf("%w: %w", ErrMalformedPolicy, err)
	}

	c.logger.Infof("Fetched policy: start_url=%s incognito=%t allowed_domains=%v",
		policy.StartURL, policy.Incognito, policy.AllowedDomains)
	return policy, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: building request: %w", ErrNetworkFailure, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debugf("%s %s", method, req.URL)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		c.logger.Warnf("%s %s failed: %v", method, req.URL, err)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetworkFailure, method, path, err)
	}

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.baseURL.String(), "/") + path
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
}
