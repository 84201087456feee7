// Package browser controls browser processes for the secure-browser flow.
//
// # Architecture
//
// The package separates the browser backend from session lifecycle:
//
//  1. Engine/Process/Page: the narrow capability a backend implements
//     (launch, open a page, navigate, set content, evaluate a script, close,
//     and an asynchronous event stream). PlaywrightEngine drives Chromium;
//     package browsertest provides an in-memory engine for tests.
//  2. Session: one launched process plus the goroutine draining its event
//     stream. Session enforces timeouts, the navigation allow-list and
//     idempotent Close, and maps backend failures onto the package's
//     sentinel errors.
//
// # Session Lifecycle
//
//  1. Launch: the process starts and the drain goroutine begins consuming
//     events. Event errors are logged, never returned to the caller.
//  2. Use: OpenPage, Navigate, SetContent and Evaluate. Each call is bounded
//     by a timeout even when the backend ignores cancellation.
//  3. Close: the process is terminated, the drain goroutine is stopped and
//     awaited, and Done is closed. Later Close calls return nil.
//
// # Example Usage
//
//	engine := browser.NewPlaywrightEngine(browser.PlaywrightOptions{})
//	defer engine.Stop()
//
//	session, err := browser.Launch(ctx, engine, browser.LaunchOptions{
//	    Label:             "policy",
//	    Visible:           true,
//	    NavigationTimeout: 30 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	page, err := session.OpenPage(ctx, "https://example.com")
package browser
