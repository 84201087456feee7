// Package browsertest provides an in-memory browser.Engine for tests of code
// that drives browser sessions.
package browsertest

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/secure-browser/pkg/browser"
)

// EvalFunc produces the result of a page script evaluation.
type EvalFunc func(ctx context.Context, script string) (any, error)

// Engine records every launch and hands out fake processes. Exported fields
// configure failures and must be set before use.
type Engine struct {
	LaunchErr     error
	NewPageErr    error
	GotoErr       error
	GotoDelay     time.Duration
	SetContentErr error
	CloseErr      error
	Eval          EvalFunc

	// CloseDelay holds every process Close for the given duration, like a
	// driver that is slow to shut the browser down.
	CloseDelay time.Duration

	// IgnoreContext makes page calls disregard ctx, like a backend that
	// cannot be interrupted.
	IgnoreContext bool

	mu        sync.Mutex
	processes []*Process
}

// NewEngine returns an Engine whose pages evaluate every script to nil.
func NewEngine() *Engine {
	return &Engine{}
}

// Launch implements browser.Engine.
func (e *Engine) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Process, error) {
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}

	p := &Process{
		Options: opts,
		engine:  e,
		events:  make(chan browser.Event, 16),
		closed:  make(chan struct{}),
	}

	e.mu.Lock()
	e.processes = append(e.processes, p)
	e.mu.Unlock()
	return p, nil
}

// Processes returns every process launched so far, in launch order.
func (e *Engine) Processes() []*Process {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Process, len(e.processes))
	copy(out, e.processes)
	return out
}

// Process is a fake browser process.
type Process struct {
	Options browser.LaunchOptions

	engine *Engine
	events chan browser.Event
	closed chan struct{}

	mu         sync.Mutex
	pages      []*Page
	closeCalls int
}

// NewPage implements browser.Process.
func (p *Process) NewPage(ctx context.Context) (browser.Page, error) {
	if p.engine.NewPageErr != nil {
		return nil, p.engine.NewPageErr
	}

	page := &Page{process: p, url: "about:blank"}
	p.mu.Lock()
	p.pages = append(p.pages, page)
	p.mu.Unlock()
	return page, nil
}

// Events implements browser.Process.
func (p *Process) Events() <-chan browser.Event {
	return p.events
}

// Close implements browser.Process.
func (p *Process) Close() error {
	if d := p.engine.CloseDelay; d > 0 {
		time.Sleep(d)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeCalls++
	if p.closeCalls == 1 {
		close(p.closed)
	}
	return p.engine.CloseErr
}

// Emit pushes ev onto the event stream. It blocks until the event is
// buffered or the process is closed.
func (p *Process) Emit(ev browser.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case p.events <- ev:
	case <-p.closed:
	}
}

// CloseCalls reports how many times Close reached the process.
func (p *Process) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// Closed reports whether Close has been called.
func (p *Process) Closed() bool {
	return p.CloseCalls() > 0
}

// Pages returns the pages opened on this process.
func (p *Process) Pages() []*Page {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Page, len(p.pages))
	copy(out, p.pages)
	return out
}

// Page is a fake browser page.
type Page struct {
	process *Process

	mu      sync.Mutex
	url     string
	visits  []string
	content string
	scripts []string
}

// Goto implements browser.Page.
func (pg *Page) Goto(ctx context.Context, url string, timeout time.Duration) error {
	e := pg.process.engine
	if e.GotoDelay > 0 {
		if err := pg.wait(ctx, e.GotoDelay); err != nil {
			return err
		}
	}
	if e.GotoErr != nil {
		return e.GotoErr
	}

	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.url = url
	pg.visits = append(pg.visits, url)
	return nil
}

// SetContent implements browser.Page.
func (pg *Page) SetContent(ctx context.Context, html string) error {
	if err := pg.process.engine.SetContentErr; err != nil {
		return err
	}

	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.content = html
	return nil
}

// Evaluate implements browser.Page.
func (pg *Page) Evaluate(ctx context.Context, script string) (any, error) {
	pg.mu.Lock()
	pg.scripts = append(pg.scripts, script)
	pg.mu.Unlock()

	eval := pg.process.engine.Eval
	if eval == nil {
		return nil, nil
	}
	if pg.process.engine.IgnoreContext {
		ctx = context.Background()
	}
	return eval(ctx, script)
}

// URL implements browser.Page.
func (pg *Page) URL() string {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.url
}

// Visits returns every URL passed to a successful Goto.
func (pg *Page) Visits() []string {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	out := make([]string, len(pg.visits))
	copy(out, pg.visits)
	return out
}

// Content returns the last HTML set on the page.
func (pg *Page) Content() string {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.content
}

// Scripts returns every script evaluated on the page.
func (pg *Page) Scripts() []string {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	out := make([]string, len(pg.scripts))
	copy(out, pg.scripts)
	return out
}

func (pg *Page) wait(ctx context.Context, d time.Duration) error {
	if pg.process.engine.IgnoreContext {
		time.Sleep(d)
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit returns an EvalFunc that resolves every evaluation with value, as if
// the user submitted the form immediately.
func Submit(value any) EvalFunc {
	return func(ctx context.Context, script string) (any, error) {
		return value, nil
	}
}

// NeverSubmit returns an EvalFunc that blocks until ctx is done.
func NeverSubmit() EvalFunc {
	return func(ctx context.Context, script string) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// Credentials builds the value the login script resolves with.
func Credentials(username, password string) map[string]any {
	return map[string]any{"username": username, "password": password}
}
