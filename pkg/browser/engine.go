package browser

import (
	"context"
	"time"

	"github.com/entrhq/secure-browser/pkg/types"
)

// Engine launches controllable browser processes. Playwright is the shipped
// implementation; browsertest provides an in-memory one.
type Engine interface {
	Launch(ctx context.Context, opts LaunchOptions) (Process, error)
}

// Process is one running browser.
type Process interface {
	// NewPage opens a blank page.
	NewPage(ctx context.Context) (Page, error)

	// Events is the asynchronous event/error stream of the process. The
	// channel may stay open after Close; consumers stop on their own signal.
	Events() <-chan Event

	// Close terminates the process.
	Close() error
}

// Page is a single tab of a Process.
type Page interface {
	Goto(ctx context.Context, url string, timeout time.Duration) error
	SetContent(ctx context.Context, html string) error

	// Evaluate runs script in the page. If the script yields a promise the
	// call returns once it settles.
	Evaluate(ctx context.Context, script string) (any, error)

	URL() string
}

// LaunchOptions configures a new browser process.
type LaunchOptions struct {
	// Label names the session in logs and metrics (e.g. "login", "policy")
	Label string

	// Visible launches a headed browser window
	Visible bool

	// Incognito uses an ephemeral profile; otherwise ProfileDir is used
	Incognito bool

	// ProfileDir is the persistent user data directory for non-incognito runs
	ProfileDir string

	// NavigationTimeout bounds every navigation (0 means DefaultNavigationTimeout)
	NavigationTimeout time.Duration

	// AllowList restricts navigation targets; nil allows everything
	AllowList *types.AllowList
}

// EventKind classifies an Event.
type EventKind string

const (
	EventConsole           EventKind = "console"
	EventPageError         EventKind = "page_error"
	EventCrash             EventKind = "crash"
	EventRequestFailed     EventKind = "request_failed"
	EventPageClosed        EventKind = "page_closed"
	EventDisconnected      EventKind = "disconnected"
	EventNavigationBlocked EventKind = "navigation_blocked"
	EventInternalError     EventKind = "internal_error"
)

// Event is one item of a Process event stream.
type Event struct {
	Kind    EventKind
	Message string
	URL     string
	Err     error
	Time    time.Time
}

// Default values for session operations
const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultEvalTimeout       = 30 * time.Second
	DefaultCloseTimeout      = 5 * time.Second
)
