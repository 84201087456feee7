// Package orchestrator drives the credential-gated browsing flow: capture a
// login in a first browser session, verify it with the remote authority,
// fetch the session policy and run a second browser session under that
// policy until interrupted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/secure-browser/pkg/browser"
	"github.com/entrhq/secure-browser/pkg/capture"
	"github.com/entrhq/secure-browser/pkg/logging"
	"github.com/entrhq/secure-browser/pkg/types"
)

var (
	// ErrUnauthorized means the authority rejected the submitted credentials.
	ErrUnauthorized = errors.New("credentials rejected by authority")

	// ErrAlreadyRun is returned when Run is called more than once.
	ErrAlreadyRun = errors.New("orchestrator already run")
)

// CredentialSource captures credentials in a browser surface.
// *capture.Capturer implements it.
type CredentialSource interface {
	Capture(ctx context.Context, s capture.Surface) (types.Credentials, error)
}

// Authority verifies credentials and issues the session policy.
// *authclient.Client implements it.
type Authority interface {
	Verify(ctx context.Context, creds types.Credentials) (bool, error)
	FetchPolicy(ctx context.Context) (types.SessionPolicy, error)
}

// Observer is called after every state transition. err is the failure cause
// on a transition to Failed and nil otherwise.
type Observer func(from, to State, err error)

// Config holds the local settings the policy does not decide.
type Config struct {
	// NavigationTimeout applies when the policy sets no timeout
	NavigationTimeout time.Duration

	// ProfileDir is the persistent profile used by non-incognito sessions
	ProfileDir string

	// Headless hides both browser windows
	Headless bool
}

// Orchestrator runs the flow once.
type Orchestrator struct {
	engine    browser.Engine
	source    CredentialSource
	authority Authority
	cfg       Config

	logger         logging.Interface
	metrics        *Metrics
	observers      []Observer
	sessionOptions []browser.Option

	mu    sync.Mutex
	state State
	ran   bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(l logging.Interface) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records transitions in m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithObserver adds a transition observer.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

// WithSessionOptions passes opts to every browser session launched.
func WithSessionOptions(opts ...browser.Option) Option {
	return func(o *Orchestrator) {
		o.sessionOptions = append(o.sessionOptions, opts...)
	}
}

// New creates an Orchestrator in the Idle state.
func New(engine browser.Engine, source CredentialSource, authority Authority, cfg Config, opts ...Option) *Orchestrator {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = browser.DefaultNavigationTimeout
	}

	o := &Orchestrator{
		engine:    engine,
		source:    source,
		authority: authority,
		cfg:       cfg,
		logger:    logging.Discard(),
		state:     Idle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run executes the flow. It returns nil once the policy session has been
// closed after ctx is cancelled, and the failure cause otherwise. The login
// session is always closed before verification starts and the policy
// session is never launched unless the authority accepted the login.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return ErrAlreadyRun
	}
	o.ran = true
	o.mu.Unlock()

	o.transition(CapturingLogin, nil)
	creds, err := o.captureLogin(ctx)
	if err != nil {
		return o.fail(fmt.Errorf("capturing login: %w", err))
	}

	o.transition(Verifying, nil)
	ok, err := o.authority.Verify(ctx, creds)
	if err != nil {
		return o.fail(fmt.Errorf("verifying credentials: %w", err))
	}
	if !ok {
		return o.fail(ErrUnauthorized)
	}
	o.logger.Infof("Authority accepted user %q", creds.Username)

	o.transition(FetchingPolicy, nil)
	policy, err := o.authority.FetchPolicy(ctx)
	if err != nil {
		return o.fail(fmt.Errorf("fetching session policy: %w", err))
	}

	session, err := o.startSession(ctx, policy)
	if err != nil {
		return o.fail(fmt.Errorf("starting policy session: %w", err))
	}

	o.transition(RunningSession, nil)
	o.logger.Infof("Session %s running at %s until interrupted", session.ID, policy.StartURL)
	<-ctx.Done()

	o.transition(Closing, nil)
	o.closeSession(session)
	o.transition(Terminated, nil)
	return nil
}

// captureLogin runs the login session. The session is closed before
// returning whatever the outcome.
func (o *Orchestrator) captureLogin(ctx context.Context) (types.Credentials, error) {
	login, err := browser.Launch(ctx, o.engine, browser.LaunchOptions{
		Label:             "login",
		Visible:           !o.cfg.Headless,
		Incognito:         true,
		NavigationTimeout: o.cfg.NavigationTimeout,
	}, o.sessionOptions...)
	if err != nil {
		return types.Credentials{}, err
	}
	defer o.closeSession(login)

	return o.source.Capture(ctx, login)
}

// startSession launches the policy session and opens the start URL in it.
func (o *Orchestrator) startSession(ctx context.Context, policy types.SessionPolicy) (*browser.Session, error) {
	allow, err := policy.AllowList()
	if err != nil {
		return nil, err
	}

	timeout := policy.MaxNavigationTimeout
	if timeout <= 0 {
		timeout = o.cfg.NavigationTimeout
	}

	opts := browser.LaunchOptions{
		Label:             "policy",
		Visible:           !o.cfg.Headless,
		Incognito:         policy.Incognito,
		NavigationTimeout: timeout,
		AllowList:         allow,
	}
	if !policy.Incognito {
		opts.ProfileDir = o.cfg.ProfileDir
	}

	session, err := browser.Launch(ctx, o.engine, opts, o.sessionOptions...)
	if err != nil {
		return nil, err
	}

	if _, err := session.OpenPage(ctx, policy.StartURL); err != nil {
		o.closeSession(session)
		return nil, err
	}
	return session, nil
}

func (o *Orchestrator) closeSession(s *browser.Session) {
	if err := s.Close(); err != nil {
		o.logger.Warnf("Closing %s session: %v", s.Label, err)
	}
}

func (o *Orchestrator) fail(err error) error {
	o.logger.Errorf("Flow failed: %v", err)
	o.transition(Failed, err)
	return err
}

func (o *Orchestrator) transition(to State, err error) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()

	if !from.CanTransitionTo(to) {
		o.logger.Errorf("Unexpected state transition %s -> %s", from, to)
	}

	o.logger.Debugf("State %s -> %s", from, to)
	o.metrics.transition(from, to)
	for _, fn := range o.observers {
		fn(from, to, err)
	}
}

// IsExpectedFailure reports whether err is an ordinary negative outcome of
// the flow rather than a fault: the authority rejected the login or the
// submission was not a usable credential pair.
func IsExpectedFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, capture.ErrMalformedCredentials)
}
