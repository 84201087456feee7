package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/secure-browser/pkg/logging"
)

// Session owns one launched browser process and the goroutine draining its
// event stream. A Session is created by Launch and released exactly once by
// Close; further Close calls are no-ops.
type Session struct {
	// ID uniquely identifies the session in logs
	ID string

	// Label is the caller-supplied purpose ("login", "policy")
	Label string

	// CreatedAt is when the process finished launching
	CreatedAt time.Time

	opts         LaunchOptions
	process      Process
	logger       logging.Interface
	metrics      *Metrics
	closeTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customizes a Session at launch.
type Option func(*Session)

// WithLogger sets the logger used by the session and its drain loop.
func WithLogger(l logging.Interface) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records session activity in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithCloseTimeout bounds how long Close waits for the browser process to
// exit and, separately, for the drain loop to stop.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.closeTimeout = d
		}
	}
}

// Launch starts a browser process through engine and begins draining its
// event stream in the background.
func Launch(ctx context.Context, engine Engine, opts LaunchOptions, options ...Option) (*Session, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: no browser engine configured", ErrLaunchFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = DefaultNavigationTimeout
	}

	s := &Session{
		ID:           uuid.New().String(),
		Label:        opts.Label,
		opts:         opts,
		logger:       logging.Discard(),
		closeTimeout: DefaultCloseTimeout,
	}
	for _, opt := range options {
		opt(s)
	}

	s.logger.Infof("Launching %s browser session %s (visible=%t, incognito=%t)", s.Label, s.ID, opts.Visible, opts.Incognito)

	process, err := engine.Launch(ctx, opts)
	if err != nil {
		s.logger.Errorf("Launch of session %s failed: %v", s.ID, err)
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	drainCtx, cancel := context.WithCancel(context.Background())
	s.process = process
	s.cancel = cancel
	s.done = make(chan struct{})
	s.CreatedAt = time.Now()

	go s.drain(drainCtx, process.Events())

	s.metrics.sessionLaunched()
	return s, nil
}

// drain consumes the process event stream until the session is closed or the
// stream ends. Event handling failures are logged and never escape.
func (s *Session) drain(ctx context.Context, events <-chan Event) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.logger.Debugf("Event stream of session %s ended", s.ID)
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Panic while handling %s event of session %s: %v\n%s", ev.Kind, s.ID, r, debug.Stack())
		}
	}()

	s.metrics.eventDrained(ev.Kind)

	switch {
	case ev.Err != nil:
		s.logger.Errorf("Browser event error (session %s, %s): %v", s.ID, ev.Kind, ev.Err)
	case ev.Kind == EventCrash, ev.Kind == EventDisconnected, ev.Kind == EventNavigationBlocked:
		s.logger.Warnf("Browser event (session %s, %s): %s %s", s.ID, ev.Kind, ev.Message, ev.URL)
	default:
		s.logger.Debugf("Browser event (session %s, %s): %s %s", s.ID, ev.Kind, ev.Message, ev.URL)
	}
}

// Done is closed once the drain loop has exited.
func (s *Session) Done() <-chan struct{} {
	if s == nil || s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// NavigationTimeout returns the bound applied to every navigation.
func (s *Session) NavigationTimeout() time.Duration {
	return s.opts.NavigationTimeout
}

// OpenPage creates a page and, unless initialURL is empty or about:blank,
// navigates it there.
func (s *Session) OpenPage(ctx context.Context, initialURL string) (Page, error) {
	if err := s.checkOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPageCreationFailed, err)
	}

	page, err := await(ctx, func() (Page, error) {
		return s.process.NewPage(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPageCreationFailed, err)
	}

	if initialURL == "" || initialURL == "about:blank" {
		return page, nil
	}

	if err := s.Navigate(ctx, page, initialURL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPageCreationFailed, err)
	}
	return page, nil
}

// Navigate loads url in page, bounded by the session's navigation timeout.
// Targets outside the allow-list are refused with ErrNavigationBlocked.
func (s *Session) Navigate(ctx context.Context, page Page, url string) error {
	if err := s.checkOpen(); err != nil {
		return fmt.Errorf("%w: %w", ErrNavigationFailed, err)
	}

	if !s.opts.AllowList.AllowsURL(url) {
		s.metrics.navigation(NavigationBlocked)
		s.logger.Warnf("Blocked navigation of session %s to %s", s.ID, url)
		return fmt.Errorf("%w: %s", ErrNavigationBlocked, url)
	}

	timeout := s.opts.NavigationTimeout
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := run(navCtx, func() error {
		return page.Goto(navCtx, url, timeout)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.metrics.navigation(NavigationTimeout)
			return fmt.Errorf("%w: %s: no response within %s: %w", ErrNavigationFailed, url, timeout, err)
		}
		s.metrics.navigation(NavigationFailed)
		return fmt.Errorf("%w: %s: %w", ErrNavigationFailed, url, err)
	}

	s.metrics.navigation(NavigationOK)
	s.logger.Infof("Session %s navigated to %s in %s", s.ID, url, time.Since(start).Round(time.Millisecond))
	return nil
}

// SetContent replaces the document of page with html.
func (s *Session) SetContent(ctx context.Context, page Page, html string) error {
	if err := s.checkOpen(); err != nil {
		return fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}

	renderCtx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()

	if err := run(renderCtx, func() error {
		return page.SetContent(renderCtx, html)
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	return nil
}

// Evaluate runs script in page and returns its JSON-compatible result. A
// script returning a promise suspends the caller until the promise settles,
// timeout elapses (ErrEvalTimeout) or ctx is cancelled.
func (s *Session) Evaluate(ctx context.Context, page Page, script string, timeout time.Duration) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEvalFailed, err)
	}
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := await(evalCtx, func() (any, error) {
		return page.Evaluate(evalCtx, script)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrEvalTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrEvalFailed, err)
	}
	return result, nil
}

// Close terminates the browser process and stops the drain loop. Only the
// first call does any work; later calls, and calls on a nil or never
// launched Session, return nil.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	var err error
	s.closeOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Session) shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.process == nil {
		return nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
	defer cancel()

	closeErr := run(closeCtx, s.process.Close)
	if errors.Is(closeErr, context.DeadlineExceeded) {
		s.logger.Warnf("Browser process of session %s did not exit within %s", s.ID, s.closeTimeout)
	}

	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-time.After(s.closeTimeout):
		s.logger.Warnf("Drain loop of session %s did not stop within %s", s.ID, s.closeTimeout)
	}

	s.metrics.sessionClosed()

	if closeErr != nil {
		s.logger.Errorf("Closing session %s failed: %v", s.ID, closeErr)
		return fmt.Errorf("%w: %w", ErrCloseFailed, closeErr)
	}

	s.logger.Infof("Closed %s browser session %s", s.Label, s.ID)
	return nil
}

func (s *Session) checkOpen() error {
	if s == nil || s.process == nil {
		return ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// await runs fn on its own goroutine so that a backend ignoring ctx still
// cannot hold the caller past ctx's deadline. The buffered channel lets fn's
// goroutine finish on its own once the backend call returns.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func run(ctx context.Context, fn func() error) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
