// internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
)

// ErrorCode is a string type used for structured error reporting from the
// executor. Using a custom type ensures that only predefined constants can be
// used where an ErrorCode is expected.
type ErrorCode string

const (
	ErrCodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeNavigationError ErrorCode = "NAVIGATION_ERROR"
	ErrCodeTimeoutError    ErrorCode = "TIMEOUT_ERROR"
	ErrCodeSessionClosed   ErrorCode = "SESSION_CLOSED"
	ErrCodeExecutionError  ErrorCode = "EXECUTION_FAILURE"
)

// ErrSessionClosed signals that the browser session backing the executor is
// gone. The orchestrator treats it as fatal for the task.
var ErrSessionClosed = errors.New("executor session closed")

// Error is a structured executor failure carrying a machine-readable code.
type Error struct {
	Code ErrorCode
	Op   string // The operation that failed ("navigate", "click", ...).
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("executor %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the structured code from an executor error, or
// ErrCodeExecutionError when the error carries none.
func CodeOf(err error) ErrorCode {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeExecutionError
}

// LocatorStrategy selects how a target descriptor is resolved to an element.
type LocatorStrategy string

const (
	// StrategyCSS treats the query as a CSS selector. This is the primary
	// strategy for oracle-proposed targets.
	StrategyCSS LocatorStrategy = "css"
	// StrategyText locates the first element whose visible text contains the
	// query. Used as the fallback targeting strategy on retry.
	StrategyText LocatorStrategy = "text"
)

// Locator describes where an action should land.
type Locator struct {
	Query    string
	Strategy LocatorStrategy
}

// CSS builds a CSS-selector locator.
func CSS(query string) Locator { return Locator{Query: query, Strategy: StrategyCSS} }

// Text builds a visible-text locator.
func Text(query string) Locator { return Locator{Query: query, Strategy: StrategyText} }

// Executor is the primitive action surface a task execution drives. Each
// mutating call returns the resulting state snapshot so the orchestrator can
// fingerprint without a second round trip. Implementations own exactly one
// live session; no idempotency is assumed.
type Executor interface {
	// Navigate loads the given URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) (schemas.StateSnapshot, error)
	// NavigateBack moves one entry back in session history.
	NavigateBack(ctx context.Context) (schemas.StateSnapshot, error)
	// Click locates an element and clicks it.
	Click(ctx context.Context, loc Locator) (schemas.StateSnapshot, error)
	// TypeText locates an input, clears it and types the given text.
	TypeText(ctx context.Context, loc Locator, text string) (schemas.StateSnapshot, error)
	// SendKeys dispatches a keyboard chord (e.g. "Escape", "Enter") to the page.
	SendKeys(ctx context.Context, chord string) (schemas.StateSnapshot, error)
	// ReadState captures the current fingerprint and snapshot without acting.
	ReadState(ctx context.Context) (schemas.StateSnapshot, error)
	// Wait pauses for the given duration, honoring context cancellation.
	Wait(ctx context.Context, d time.Duration) error
	// Close tears down the session. Safe to call more than once.
	Close(ctx context.Context) error
}

// Factory opens a fresh, exclusively-owned session for one task.
type Factory func(ctx context.Context) (Executor, error)
