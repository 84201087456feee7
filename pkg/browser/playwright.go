package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/secure-browser/pkg/logging"
	"github.com/entrhq/secure-browser/pkg/types"
)

// DefaultEventBuffer is the capacity of a Playwright process event stream.
const DefaultEventBuffer = 256

// PlaywrightOptions configures the Playwright engine.
type PlaywrightOptions struct {
	// InstallDrivers downloads the Playwright driver and Chromium on first use
	InstallDrivers bool

	// EventBuffer is the event stream capacity per process
	EventBuffer int

	Logger logging.Interface
}

// PlaywrightEngine launches Chromium through Playwright.
type PlaywrightEngine struct {
	opts PlaywrightOptions

	mu          sync.Mutex
	pw          *playwright.Playwright
	initialized bool
}

// NewPlaywrightEngine creates an engine. The Playwright driver is started
// lazily by the first Launch, or explicitly by Start.
func NewPlaywrightEngine(opts PlaywrightOptions) *PlaywrightEngine {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &PlaywrightEngine{opts: opts}
}

// Start installs (optionally) and runs the Playwright driver.
func (e *PlaywrightEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}

	// Driver output would interleave with the operator console
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if e.opts.InstallDrivers {
		e.opts.Logger.Infof("Installing Playwright driver and Chromium")
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	e.pw = pw
	e.initialized = true
	return nil
}

// Stop shuts the Playwright driver down. Sessions must be closed first.
func (e *PlaywrightEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.pw == nil {
		return nil
	}
	if err := e.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	e.initialized = false
	e.pw = nil
	return nil
}

// Launch implements Engine.
func (e *PlaywrightEngine) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	if err := e.Start(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	pw := e.pw
	e.mu.Unlock()

	headless := !opts.Visible
	proc := &playwrightProcess{
		sink:   newEventSink(e.opts.EventBuffer),
		opts:   opts,
		logger: e.opts.Logger,
	}

	if opts.Incognito || opts.ProfileDir == "" {
		if !opts.Incognito {
			e.opts.Logger.Warnf("No profile directory configured, using an ephemeral profile")
		}

		browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: &headless,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to launch chromium: %w", err)
		}

		bctx, err := browser.NewContext()
		if err != nil {
			browser.Close()
			return nil, fmt.Errorf("failed to create context: %w", err)
		}

		proc.browser = browser
		proc.context = bctx
		browser.OnDisconnected(func(playwright.Browser) {
			proc.sink.emit(Event{Kind: EventDisconnected, Message: "browser disconnected"})
		})
	} else {
		bctx, err := pw.Chromium.LaunchPersistentContext(opts.ProfileDir, playwright.BrowserTypeLaunchPersistentContextOptions{
			Headless: &headless,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to launch chromium with profile %s: %w", opts.ProfileDir, err)
		}

		proc.context = bctx
		// A persistent context opens with a tab already; hand it out first
		if pages := bctx.Pages(); len(pages) > 0 {
			proc.spare = pages[0]
			proc.watchPage(pages[0])
		}
	}

	proc.context.OnPage(proc.watchPage)
	proc.context.OnClose(func(playwright.BrowserContext) {
		proc.sink.emit(Event{Kind: EventDisconnected, Message: "browser context closed"})
	})

	if !opts.AllowList.Empty() {
		if err := proc.guardNavigation(opts.AllowList); err != nil {
			proc.Close()
			return nil, fmt.Errorf("failed to install navigation guard: %w", err)
		}
	}

	return proc, nil
}

type playwrightProcess struct {
	browser playwright.Browser // nil for persistent contexts
	context playwright.BrowserContext
	sink    *eventSink
	opts    LaunchOptions
	logger  logging.Interface

	mu    sync.Mutex
	spare playwright.Page
}

func (p *playwrightProcess) NewPage(ctx context.Context) (Page, error) {
	p.mu.Lock()
	spare := p.spare
	p.spare = nil
	p.mu.Unlock()

	if spare != nil {
		return &playwrightPage{page: spare}, nil
	}

	page, err := p.context.NewPage()
	if err != nil {
		return nil, err
	}
	return &playwrightPage{page: page}, nil
}

func (p *playwrightProcess) Events() <-chan Event {
	return p.sink.ch
}

func (p *playwrightProcess) Close() error {
	p.sink.close()

	var errs []error
	if err := p.context.Close(); err != nil {
		errs = append(errs, fmt.Errorf("context: %w", err))
	}
	if p.browser != nil {
		if err := p.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("browser: %w", err))
		}
	}
	if dropped := p.sink.dropped.Load(); dropped > 0 {
		p.logger.Warnf("Dropped %d browser events because the stream was full", dropped)
	}
	return errors.Join(errs...)
}

// watchPage forwards page events to the process stream.
func (p *playwrightProcess) watchPage(page playwright.Page) {
	if p.opts.NavigationTimeout > 0 {
		page.SetDefaultNavigationTimeout(float64(p.opts.NavigationTimeout.Milliseconds()))
	}

	page.OnConsole(func(msg playwright.ConsoleMessage) {
		p.sink.emit(Event{Kind: EventConsole, Message: msg.Type() + ": " + msg.Text(), URL: page.URL()})
	})
	page.OnPageError(func(err error) {
		p.sink.emit(Event{Kind: EventPageError, Err: err, URL: page.URL()})
	})
	page.OnCrash(func(playwright.Page) {
		p.sink.emit(Event{Kind: EventCrash, Message: "page crashed", URL: page.URL()})
	})
	page.OnRequestFailed(func(req playwright.Request) {
		p.sink.emit(Event{Kind: EventRequestFailed, URL: req.URL(), Err: req.Failure()})
	})
	page.OnClose(func(playwright.Page) {
		p.sink.emit(Event{Kind: EventPageClosed, URL: page.URL()})
	})
}

// guardNavigation aborts main-frame navigations to hosts outside allow, so
// links and redirects inside the page are held to the policy as well.
func (p *playwrightProcess) guardNavigation(allow *types.AllowList) error {
	return p.context.Route("**/*", func(route playwright.Route) {
		req := route.Request()
		if req.IsNavigationRequest() && !allow.AllowsURL(req.URL()) {
			p.sink.emit(Event{Kind: EventNavigationBlocked, Message: "navigation aborted by allow-list", URL: req.URL()})
			if err := route.Abort("blockedbyclient"); err != nil {
				p.sink.emit(Event{Kind: EventInternalError, URL: req.URL(), Err: err})
			}
			return
		}
		if err := route.Continue(); err != nil {
			p.sink.emit(Event{Kind: EventInternalError, URL: req.URL(), Err: err})
		}
	})
}

type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Goto(ctx context.Context, url string, timeout time.Duration) error {
	opts := playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	}
	if timeout > 0 {
		ms := float64(timeout.Milliseconds())
		opts.Timeout = &ms
	}

	if _, err := p.page.Goto(url, opts); err != nil {
		return translateError(err)
	}
	return nil
}

func (p *playwrightPage) SetContent(ctx context.Context, html string) error {
	return translateError(p.page.SetContent(html))
}

// Evaluate relies on Playwright awaiting a returned promise before replying.
func (p *playwrightPage) Evaluate(ctx context.Context, script string) (any, error) {
	v, err := p.page.Evaluate(script)
	if err != nil {
		return nil, translateError(err)
	}
	return v, nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

// translateError maps Playwright timeouts onto context.DeadlineExceeded so
// sessions classify them like their own deadlines.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// eventSink is a bounded event stream whose producers never block: when the
// buffer is full, or the process is closed, events are dropped.
type eventSink struct {
	ch      chan Event
	closed  chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newEventSink(size int) *eventSink {
	return &eventSink{
		ch:     make(chan Event, size),
		closed: make(chan struct{}),
	}
}

func (s *eventSink) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *eventSink) close() {
	s.once.Do(func() {
		close(s.closed)
	})
}
