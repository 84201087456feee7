package browser_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/secure-browser/pkg/browser"
	"github.com/entrhq/secure-browser/pkg/browser/browsertest"
	"github.com/entrhq/secure-browser/pkg/logging"
	"github.com/entrhq/secure-browser/pkg/types"
)

// syncBuffer lets the drain goroutine log while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func launch(t *testing.T, engine *browsertest.Engine, opts browser.LaunchOptions, options ...browser.Option) *browser.Session {
	t.Helper()

	s, err := browser.Launch(context.Background(), engine, opts, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLaunch_Errors(t *testing.T) {
	t.Run("nil engine", func(t *testing.T) {
		_, err := browser.Launch(context.Background(), nil, browser.LaunchOptions{})
		assert.ErrorIs(t, err, browser.ErrLaunchFailed)
	})

	t.Run("engine failure", func(t *testing.T) {
		engine := browsertest.NewEngine()
		engine.LaunchErr = errors.New("chromium not found")

		_, err := browser.Launch(context.Background(), engine, browser.LaunchOptions{})
		assert.ErrorIs(t, err, browser.ErrLaunchFailed)
		assert.Contains(t, err.Error(), "chromium not found")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := browser.Launch(ctx, browsertest.NewEngine(), browser.LaunchOptions{})
		assert.ErrorIs(t, err, browser.ErrLaunchFailed)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLaunch_DefaultsNavigationTimeout(t *testing.T) {
	s := launch(t, browsertest.NewEngine(), browser.LaunchOptions{Label: "login"})

	assert.Equal(t, browser.DefaultNavigationTimeout, s.NavigationTimeout())
	assert.Equal(t, "login", s.Label)
	assert.NotEmpty(t, s.ID)
}

func TestClose_Idempotent(t *testing.T) {
	engine := browsertest.NewEngine()
	s := launch(t, engine, browser.LaunchOptions{})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	proc := engine.Processes()[0]
	assert.Equal(t, 1, proc.CloseCalls(), "second close must not reach the process")
}

func TestClose_NilAndUnlaunched(t *testing.T) {
	var nilSession *browser.Session
	assert.NoError(t, nilSession.Close())

	var zero browser.Session
	assert.NoError(t, zero.Close())
	assert.NoError(t, zero.Close())

	select {
	case <-zero.Done():
	default:
		t.Fatal("Done of an unlaunched session should be closed")
	}
}

func TestClose_ReportsFailureOnce(t *testing.T) {
	engine := browsertest.NewEngine()
	engine.CloseErr = errors.New("process already gone")
	s := launch(t, engine, browser.LaunchOptions{})

	err := s.Close()
	assert.ErrorIs(t, err, browser.ErrCloseFailed)
	assert.NoError(t, s.Close())
}

func TestClose_BoundedWhenBackendHangs(t *testing.T) {
	engine := browsertest.NewEngine()
	engine.CloseDelay = 3 * time.Second
	s := launch(t, engine, browser.LaunchOptions{}, browser.WithCloseTimeout(100*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, browser.ErrCloseFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked past its close timeout")
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("drain loop still running after close")
	}

	_, err := s.OpenPage(context.Background(), "")
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	assert.NoError(t, s.Close())
}

func TestDrain_StopsAfterClose(t *testing.T) {
	s := launch(t, browsertest.NewEngine(), browser.LaunchOptions{})

	select {
	case <-s.Done():
		t.Fatal("drain loop exited before close")
	default:
	}

	require.NoError(t, s.Close())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("drain loop still running after close")
	}
}

type panickyError struct{}

func (panickyError) Error() string { panic("malformed event") }

func TestDrain_LogsEventErrorsAndKeepsRunning(t *testing.T) {
	var logs syncBuffer
	engine := browsertest.NewEngine()
	s := launch(t, engine, browser.LaunchOptions{}, browser.WithLogger(logging.NewWriterLogger("browser", &logs)))
	proc := engine.Processes()[0]

	proc.Emit(browser.Event{Kind: browser.EventPageError, Err: errors.New("ReferenceError: x is not defined")})
	proc.Emit(browser.Event{Kind: browser.EventInternalError, Err: panickyError{}})
	proc.Emit(browser.Event{Kind: browser.EventConsole, Message: "still alive"})

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("still alive"))
	}, time.Second, 10*time.Millisecond)

	assert.Contains(t, logs.String(), "[ERROR] Browser event error")
	assert.Contains(t, logs.String(), "ReferenceError")

	select {
	case <-s.Done():
		t.Fatal("a bad event must not stop the drain loop")
	default:
	}
}

// panickyLogger panics on debug lines mentioning "boom" and records errors.
type panickyLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *panickyLogger) Debugf(format string, v ...interface{}) {
	if bytes.Contains([]byte(fmt.Sprintf(format, v...)), []byte("boom")) {
		panic("logger exploded")
	}
}

func (l *panickyLogger) Infof(format string, v ...interface{}) {}

func (l *panickyLogger) Warnf(format string, v ...interface{}) {}

func (l *panickyLogger) Errorf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, v...))
}

func (l *panickyLogger) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func TestDrain_RecoversFromHandlerPanic(t *testing.T) {
	logger := &panickyLogger{}
	engine := browsertest.NewEngine()
	s := launch(t, engine, browser.LaunchOptions{}, browser.WithLogger(logger))
	proc := engine.Processes()[0]

	proc.Emit(browser.Event{Kind: browser.EventConsole, Message: "boom"})
	proc.Emit(browser.Event{Kind: browser.EventPageError, Err: errors.New("after the panic")})

	assert.Eventually(t, func() bool {
		return len(logger.Errors()) == 2
	}, time.Second, 10*time.Millisecond)

	errs := logger.Errors()
	assert.Contains(t, errs[0], "Panic while handling console event")
	assert.Contains(t, errs[0], "logger exploded")
	assert.Contains(t, errs[1], "after the panic")

	select {
	case <-s.Done():
		t.Fatal("a panicking handler must not stop the drain loop")
	default:
	}
}

func TestOpenPage(t *testing.T) {
	engine := browsertest.NewEngine()
	s := launch(t, engine, browser.LaunchOptions{})

	blank, err := s.OpenPage(context.Background(), "about:blank")
	require.NoError(t, err)
	assert.Empty(t, blank.(*browsertest.Page).Visits())

	page, err := s.OpenPage(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com"}, page.(*browsertest.Page).Visits())

	engine.NewPageErr = errors.New("target closed")
	_, err = s.OpenPage(context.Background(), "")
	assert.ErrorIs(t, err, browser.ErrPageCreationFailed)
}

func TestNavigate_AllowList(t *testing.T) {
	allow, err := types.NewAllowList([]string{"google.com"})
	require.NoError(t, err)

	s := launch(t, browsertest.NewEngine(), browser.LaunchOptions{AllowList: allow})
	page, err := s.OpenPage(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, s.Navigate(context.Background(), page, "https://www.google.com"))

	err = s.Navigate(context.Background(), page, "https://example.org")
	assert.ErrorIs(t, err, browser.ErrNavigationBlocked)
	assert.ErrorIs(t, err, browser.ErrNavigationFailed)

	assert.Equal(t, []string{"https://www.google.com"}, page.(*browsertest.Page).Visits())
}

func TestNavigate_Timeout(t *testing.T) {
	for _, ignoreCtx := range []bool{false, true} {
		engine := browsertest.NewEngine()
		engine.GotoDelay = 500 * time.Millisecond
		engine.IgnoreContext = ignoreCtx

		s := launch(t, engine, browser.LaunchOptions{NavigationTimeout: 20 * time.Millisecond})
		page, err := s.OpenPage(context.Background(), "")
		require.NoError(t, err)

		start := time.Now()
		err = s.Navigate(context.Background(), page, "https://slow.example.com")
		assert.ErrorIs(t, err, browser.ErrNavigationFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 400*time.Millisecond, "navigation must not outlive its timeout")
	}
}

func TestNavigate_BackendError(t *testing.T) {
	engine := browsertest.NewEngine()
	s := launch(t, engine, browser.LaunchOptions{})
	page, err := s.OpenPage(context.Background(), "")
	require.NoError(t, err)

	engine.GotoErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	err = s.Navigate(context.Background(), page, "https://nowhere.invalid")
	assert.ErrorIs(t, err, browser.ErrNavigationFailed)
	assert.NotErrorIs(t, err, browser.ErrNavigationBlocked)
}

func TestSetContent(t *testing.T) {
	engine := browsertest.NewEngine()
	s := launch(t, engine, browser.LaunchOptions{})
	page, err := s.OpenPage(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, s.SetContent(context.Background(), page, "<h1>hi</h1>"))
	assert.Equal(t, "<h1>hi</h1>", page.(*browsertest.Page).Content())

	engine.SetContentErr = errors.New("frame detached")
	assert.ErrorIs(t, s.SetContent(context.Background(), page, "<p/>"), browser.ErrRenderFailed)
}

func TestEvaluate(t *testing.T) {
	t.Run("returns script result", func(t *testing.T) {
		engine := browsertest.NewEngine()
		engine.Eval = browsertest.Submit(float64(2))
		s := launch(t, engine, browser.LaunchOptions{})
		page, err := s.OpenPage(context.Background(), "")
		require.NoError(t, err)

		v, err := s.Evaluate(context.Background(), page, "1 + 1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, float64(2), v)
	})

	t.Run("times out on unsettled promise", func(t *testing.T) {
		engine := browsertest.NewEngine()
		engine.Eval = browsertest.NeverSubmit()
		s := launch(t, engine, browser.LaunchOptions{})
		page, err := s.OpenPage(context.Background(), "")
		require.NoError(t, err)

		_, err = s.Evaluate(context.Background(), page, "new Promise(() => {})", 20*time.Millisecond)
		assert.ErrorIs(t, err, browser.ErrEvalTimeout)
		assert.ErrorIs(t, err, browser.ErrEvalFailed)
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		engine := browsertest.NewEngine()
		engine.Eval = browsertest.NeverSubmit()
		s := launch(t, engine, browser.LaunchOptions{})
		page, err := s.OpenPage(context.Background(), "")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)

		_, err = s.Evaluate(ctx, page, "new Promise(() => {})", time.Minute)
		assert.ErrorIs(t, err, browser.ErrEvalFailed)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, browser.ErrEvalTimeout)
	})

	t.Run("script error", func(t *testing.T) {
		engine := browsertest.NewEngine()
		engine.Eval = func(ctx context.Context, script string) (any, error) {
			return nil, errors.New("SyntaxError")
		}
		s := launch(t, engine, browser.LaunchOptions{})
		page, err := s.OpenPage(context.Background(), "")
		require.NoError(t, err)

		_, err = s.Evaluate(context.Background(), page, "{", 0)
		assert.ErrorIs(t, err, browser.ErrEvalFailed)
	})
}

func TestOperationsAfterClose(t *testing.T) {
	s := launch(t, browsertest.NewEngine(), browser.LaunchOptions{})
	page, err := s.OpenPage(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()

	_, err = s.OpenPage(ctx, "")
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	assert.ErrorIs(t, s.Navigate(ctx, page, "https://example.com"), browser.ErrSessionClosed)
	assert.ErrorIs(t, s.SetContent(ctx, page, ""), browser.ErrSessionClosed)
	_, err = s.Evaluate(ctx, page, "1", 0)
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := browser.NewMetrics(reg)

	allow, err := types.NewAllowList([]string{"example.com"})
	require.NoError(t, err)

	engine := browsertest.NewEngine()
	s, err := browser.Launch(context.Background(), engine, browser.LaunchOptions{AllowList: allow}, browser.WithMetrics(metrics))
	require.NoError(t, err)

	assert.Equal(t, 1.0, gather(t, reg, "secure_browser_browser_sessions_active", nil))

	page, err := s.OpenPage(context.Background(), "https://example.com")
	require.NoError(t, err)
	_ = s.Navigate(context.Background(), page, "https://example.org")

	engine.Processes()[0].Emit(browser.Event{Kind: browser.EventConsole, Message: "hello"})
	assert.Eventually(t, func() bool {
		return gather(t, reg, "secure_browser_browser_events_drained_total", map[string]string{"kind": "console"}) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1.0, gather(t, reg, "secure_browser_browser_sessions_launched_total", nil))
	assert.Equal(t, 1.0, gather(t, reg, "secure_browser_browser_sessions_closed_total", nil))
	assert.Equal(t, 0.0, gather(t, reg, "secure_browser_browser_sessions_active", nil))
	assert.Equal(t, 1.0, gather(t, reg, "secure_browser_browser_navigations_total", map[string]string{"result": browser.NavigationOK}))
	assert.Equal(t, 1.0, gather(t, reg, "secure_browser_browser_navigations_total", map[string]string{"result": browser.NavigationBlocked}))
}

// gather reads one sample from reg; missing samples read as zero.
func gather(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}
