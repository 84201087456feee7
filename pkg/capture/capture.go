// Package capture renders the login form in a browser session and collects
// the credentials the user submits.
package capture

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/secure-browser/pkg/browser"
	"github.com/entrhq/secure-browser/pkg/logging"
	"github.com/entrhq/secure-browser/pkg/types"
)

var (
	ErrNoSubmission         = errors.New("no login submission")
	ErrMalformedCredentials = errors.New("malformed credentials")
)

// DefaultTimeout bounds how long CaptureSubmission waits for the user.
const DefaultTimeout = 5 * time.Minute

// LoginPage is the static login form. Its inline script keeps the form from
// navigating, stores the submitted values on window and announces them with a
// "login-submitted" event.
//
//go:embed login.html
var LoginPage string

// submissionScript resolves with the stored submission, waiting for the
// "login-submitted" event if the user has not submitted yet. It never polls.
const submissionScript = `new Promise((resolve) => {
	if (window.__loginSubmission) {
		resolve(window.__loginSubmission);
		return;
	}
	window.addEventListener('login-submitted', () => resolve(window.__loginSubmission), { once: true });
})`

// Surface is the part of a browser session the capturer drives.
// *browser.Session implements it.
type Surface interface {
	OpenPage(ctx context.Context, initialURL string) (browser.Page, error)
	SetContent(ctx context.Context, page browser.Page, html string) error
	Evaluate(ctx context.Context, page browser.Page, script string, timeout time.Duration) (any, error)
}

// Capturer produces one set of Credentials per call from human input.
type Capturer struct {
	timeout time.Duration
	logger  logging.Interface
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithTimeout sets how long to wait for a submission.
func WithTimeout(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the capturer's logger.
func WithLogger(l logging.Interface) Option {
	return func(c *Capturer) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Capturer.
func New(opts ...Option) *Capturer {
	c := &Capturer{
		timeout: DefaultTimeout,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the submission timeout.
func (c *Capturer) Timeout() time.Duration {
	return c.timeout
}

// Capture presents the login form and waits for its submission.
func (c *Capturer) Capture(ctx context.Context, s Surface) (types.Credentials, error) {
	page, err := c.PresentLoginForm(ctx, s)
	if err != nil {
		return types.Credentials{}, err
	}
	return c.CaptureSubmission(ctx, s, page)
}

// PresentLoginForm opens a fresh page and renders the login form in it.
func (c *Capturer) PresentLoginForm(ctx context.Context, s Surface) (browser.Page, error) {
	page, err := s.OpenPage(ctx, "about:blank")
	if err != nil {
		return nil, err
	}

	if err := s.SetContent(ctx, page, LoginPage); err != nil {
		return nil, err
	}

	c.logger.Infof("Login form rendered")
	return page, nil
}

// CaptureSubmission blocks until the form on page is submitted or the
// timeout elapses (ErrNoSubmission). The submitted value must be exactly
// {username, password} with string values, otherwise ErrMalformedCredentials.
func (c *Capturer) CaptureSubmission(ctx context.Context, s Surface, page browser.Page) (types.Credentials, error) {
	c.logger.Infof("Waiting up to %s for login submission", c.timeout)

	value, err := s.Evaluate(ctx, page, submissionScript, c.timeout)
	if err != nil {
		if errors.Is(err, browser.ErrEvalTimeout) {
			c.logger.Warnf("No login submission within %s", c.timeout)
			return types.Credentials{}, fmt.Errorf("%w within %s", ErrNoSubmission, c.timeout)
		}
		return types.Credentials{}, err
	}

	creds, err := DecodeCredentials(value)
	if err != nil {
		c.logger.Warnf("Rejected login submission: %v", err)
		return types.Credentials{}, err
	}

	c.logger.Infof("Captured login submission for user %q", creds.Username)
	return creds, nil
}

// DecodeCredentials converts a script result into Credentials. Any extra
// field, missing field or non-string value is ErrMalformedCredentials.
func DecodeCredentials(value any) (types.Credentials, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("%w: %w", ErrMalformedCredentials, err)
	}

	var submission struct {
		Username *string `json:"username"`
		Password *string `json:"password"`
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&submission); err != nil {
		return types.Credentials{}, fmt.Errorf("%w: %w", ErrMalformedCredentials, err)
	}

	if submission.Username == nil || submission.Password == nil {
		return types.Credentials{}, fmt.Errorf("%w: username and password are required", ErrMalformedCredentials)
	}

	return types.Credentials{
		Username: *submission.Username,
		Password: *submission.Password,
	}, nil
}
