package browser

import (
	"errors"
	"fmt"
)

var (
	ErrLaunchFailed       = errors.New("browser launch failed")
	ErrPageCreationFailed = errors.New("page creation failed")
	ErrNavigationFailed   = errors.New("navigation failed")
	ErrRenderFailed       = errors.New("render failed")
	ErrEvalFailed         = errors.New("script evaluation failed")
	ErrCloseFailed        = errors.New("browser close failed")
	ErrSessionClosed      = errors.New("browser session closed")

	// ErrNavigationBlocked is a NavigationFailed caused by the allow-list.
	ErrNavigationBlocked = fmt.Errorf("%w: target is outside the allowed domains", ErrNavigationFailed)

	// ErrEvalTimeout is an EvalFailed caused by the evaluation timeout.
	ErrEvalTimeout = fmt.Errorf("%w: timed out", ErrEvalFailed)
)
