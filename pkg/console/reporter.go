// Package console prints the operator-facing progress of a run to a
// terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/secure-browser/pkg/orchestrator"
)

// Level represents the reporting verbosity level
type Level int

const (
	// LevelQuiet shows only warnings, errors and the final summary
	LevelQuiet Level = iota
	// LevelNormal shows flow progress (default)
	LevelNormal
	// LevelVerbose adds detail lines
	LevelVerbose
	// LevelDebug shows every state transition
	LevelDebug
)

// ParseLevel converts a verbosity name to a Level.
func ParseLevel(level string) (Level, error) {
	switch level {
	case "quiet":
		return LevelQuiet, nil
	case "", "normal":
		return LevelNormal, nil
	case "verbose":
		return LevelVerbose, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelNormal, fmt.Errorf("invalid verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", level)
	}
}

const ruleWidth = 60

// Reporter renders progress messages. It is safe for concurrent use.
type Reporter struct {
	level  Level
	styles styles

	mu        sync.Mutex
	writer    io.Writer
	startTime time.Time
	stepCount int
}

// NewReporter creates a Reporter writing to w.
func NewReporter(w io.Writer, level Level) *Reporter {
	return &Reporter{
		level:     level,
		writer:    w,
		styles:    newStyles(lipgloss.NewRenderer(w)),
		startTime: time.Now(),
	}
}

// Header prints a prominent header message
func (r *Reporter) Header(message string) {
	if r.level < LevelNormal {
		return
	}
	rule := r.styles.rule.Render(strings.Repeat("=", ruleWidth))
	r.println("\n" + rule)
	r.println("  " + r.styles.header.Render(message))
	r.println(rule)
}

// Step prints a numbered step
func (r *Reporter) Step(message string) {
	if r.level < LevelNormal {
		return
	}
	r.mu.Lock()
	r.stepCount++
	n := r.stepCount
	r.mu.Unlock()

	r.println(r.styles.step.Render(fmt.Sprintf("[%d] %s", n, message)))
}

// Successf prints a success line
func (r *Reporter) Successf(format string, args ...any) {
	if r.level >= LevelNormal {
		r.println(r.styles.success.Render("✓ " + fmt.Sprintf(format, args...)))
	}
}

// Infof prints an informational line
func (r *Reporter) Infof(format string, args ...any) {
	if r.level >= LevelNormal {
		r.println(r.styles.info.Render(fmt.Sprintf(format, args...)))
	}
}

// Warningf prints a warning at every level
func (r *Reporter) Warningf(format string, args ...any) {
	r.println(r.styles.warning.Render("⚠ Warning: " + fmt.Sprintf(format, args...)))
}

// Errorf prints an error at every level
func (r *Reporter) Errorf(format string, args ...any) {
	r.println(r.styles.err.Render("✗ Error: " + fmt.Sprintf(format, args...)))
}

// Verbosef prints detail in verbose mode and above
func (r *Reporter) Verbosef(format string, args ...any) {
	if r.level >= LevelVerbose {
		r.println(r.styles.detail.Render("→ " + fmt.Sprintf(format, args...)))
	}
}

// Debugf prints debug information
func (r *Reporter) Debugf(format string, args ...any) {
	if r.level >= LevelDebug {
		r.println(r.styles.detail.Render("[DEBUG] " + fmt.Sprintf(format, args...)))
	}
}

// Observe reports an orchestrator transition. It has the shape of
// orchestrator.Observer.
func (r *Reporter) Observe(from, to orchestrator.State, err error) {
	r.Debugf("%s -> %s", from, to)

	switch to {
	case orchestrator.CapturingLogin:
		r.Step("Waiting for login in the browser window")
	case orchestrator.Verifying:
		r.Successf("Login submitted")
		r.Step("Verifying credentials")
	case orchestrator.FetchingPolicy:
		r.Successf("Credentials accepted")
		r.Step("Fetching session policy")
	case orchestrator.RunningSession:
		r.Successf("Browser session started")
		r.Infof("Press Ctrl+C to end the session")
	case orchestrator.Closing:
		r.Step("Closing browser session")
	case orchestrator.Terminated:
		r.Successf("Browser session closed")
	case orchestrator.Failed:
		if orchestrator.IsExpectedFailure(err) {
			r.Warningf("%v", err)
		} else {
			r.Errorf("%v", err)
		}
	}
}

// Summary prints the outcome of a run.
func (r *Reporter) Summary(state orchestrator.State, err error) {
	r.mu.Lock()
	elapsed := time.Since(r.startTime)
	r.mu.Unlock()

	rule := r.styles.rule.Render(strings.Repeat("=", ruleWidth))
	r.println("\n" + rule)

	status := r.styles.success.Render("✓ " + strings.ToUpper(state.String()))
	switch {
	case state != orchestrator.Failed:
	case orchestrator.IsExpectedFailure(err):
		status = r.styles.warning.Render("⚠ " + strings.ToUpper(state.String()))
	default:
		status = r.styles.err.Render("✗ " + strings.ToUpper(state.String()))
	}
	r.println("  Status: " + status)
	r.println(fmt.Sprintf("  Duration: %s", elapsed.Round(time.Second)))
	if err != nil {
		r.println(r.styles.detail.Render("  Reason: " + err.Error()))
	}
	r.println(rule)
}

func (r *Reporter) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.writer, s)
}
