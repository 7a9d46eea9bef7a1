// internal/executor/chromedp.go
// BrowserSession is the chromedp-backed Executor. Each session owns a
// dedicated browser tab inside its own allocator; nothing is pooled or shared
// between tasks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

// BrowserSession drives one live browser tab through chromedp.
type BrowserSession struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	browserCtx  context.Context
	cancelCtx   context.CancelFunc
	cancelAlloc context.CancelFunc
	closed      atomic.Bool
}

var _ Executor = (*BrowserSession)(nil)

// NewBrowserSession launches a browser and opens a fresh tab for one task.
// The session lives until Close or until the parent context is cancelled.
func NewBrowserSession(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*BrowserSession, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", cfg.IgnoreTLSErrors),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.Flag("disable-extensions", true),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelCtx := chromedp.NewContext(allocCtx)

	s := &BrowserSession{
		cfg:         cfg,
		logger:      logger.Named("browser_session"),
		browserCtx:  browserCtx,
		cancelCtx:   cancelCtx,
		cancelAlloc: cancelAlloc,
	}

	// Materialize the browser process now so startup failures surface here
	// rather than on the first action.
	startCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		s.teardown()
		return nil, fmt.Errorf("failed to launch browser session: %w", err)
	}

	s.logger.Debug("Browser session ready.", zap.Bool("headless", cfg.Headless))
	return s, nil
}

// Navigate loads the URL and lets the page settle before snapshotting.
func (s *BrowserSession) Navigate(ctx context.Context, url string) (schemas.StateSnapshot, error) {
	if s.closed.Load() {
		return schemas.StateSnapshot{}, ErrSessionClosed
	}
	s.logger.Debug("Navigating.", zap.String("url", url))

	navTimeout := s.cfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 90 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()

	if err := s.run(navCtx, chromedp.Navigate(url)); err != nil {
		return schemas.StateSnapshot{}, s.wrapError("navigate", err)
	}
	s.settle(ctx)
	return s.ReadState(ctx)
}

// NavigateBack moves one entry back in session history.
func (s *BrowserSession) NavigateBack(ctx context.Context) (schemas.StateSnapshot, error) {
	if s.closed.Load() {
		return schemas.StateSnapshot{}, ErrSessionClosed
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.run(opCtx, chromedp.NavigateBack()); err != nil {
		return schemas.StateSnapshot{}, s.wrapError("navigate_back", err)
	}
	s.settle(ctx)
	return s.ReadState(ctx)
}

// Click locates the target and clicks it, scrolling it into view first.
func (s *BrowserSession) Click(ctx context.Context, loc Locator) (schemas.StateSnapshot, error) {
	if s.closed.Load() {
		return schemas.StateSnapshot{}, ErrSessionClosed
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	sel, by := resolveLocator(loc)
	err := s.run(opCtx,
		chromedp.ScrollIntoView(sel, by),
		chromedp.WaitVisible(sel, by),
		chromedp.Click(sel, by),
	)
	if err != nil {
		return schemas.StateSnapshot{}, s.wrapError("click", err)
	}
	s.settle(ctx)
	return s.ReadState(ctx)
}

// TypeText locates an input, clears its current value and types the text.
func (s *BrowserSession) TypeText(ctx context.Context, loc Locator, text string) (schemas.StateSnapshot, error) {
	if s.closed.Load() {
		return schemas.StateSnapshot{}, ErrSessionClosed
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	sel, by := resolveLocator(loc)
	err := s.run(opCtx,
		chromedp.ScrollIntoView(sel, by),
		chromedp.WaitVisible(sel, by),
		chromedp.Clear(sel, by),
		chromedp.SendKeys(sel, text, by),
	)
	if err != nil {
		return schemas.StateSnapshot{}, s.wrapError("type_text", err)
	}
	return s.ReadState(ctx)
}

// SendKeys dispatches a key chord to whatever currently has focus.
func (s *BrowserSession) SendKeys(ctx context.Context, chord string) (schemas.StateSnapshot, error) {
	if s.closed.Load() {
		return schemas.StateSnapshot{}, ErrSessionClosed
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.run(opCtx, chromedp.KeyEvent(chordToKeys(chord))); err != nil {
		return schemas.StateSnapshot{}, s.wrapError("send_keys", err)
	}
	s.settle(ctx)
	return s.ReadState(ctx)
}

// ReadState captures location, title and visible text and derives the
// fingerprint. It performs no mutating interaction.
func (s *BrowserSession) ReadState(ctx context.Context) (schemas.StateSnapshot, error) {
	if s.closed.Load() {
		return schemas.StateSnapshot{}, ErrSessionClosed
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	var loc, title, htmlSrc string
	err := s.run(opCtx,
		chromedp.Location(&loc),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &htmlSrc, chromedp.ByQuery),
	)
	if err != nil {
		return schemas.StateSnapshot{}, s.wrapError("read_state", err)
	}

	text := ExtractVisibleText(htmlSrc, s.cfg.SnapshotTextLimit)
	return schemas.StateSnapshot{
		URL:         loc,
		Title:       title,
		VisibleText: text,
		Fingerprint: Fingerprint(loc, text),
		CapturedAt:  time.Now().UTC(),
	}, nil
}

// Wait pauses for the duration or until the context is cancelled.
func (s *BrowserSession) Wait(ctx context.Context, d time.Duration) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.browserCtx.Done():
		return ErrSessionClosed
	}
}

// Close tears down the tab and its allocator. Safe to call more than once.
func (s *BrowserSession) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Best effort: ask the page to stop loading before killing the process.
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = chromedp.Run(stopCtx, page.StopLoading())

	s.teardown()
	s.logger.Debug("Browser session closed.")
	return nil
}

func (s *BrowserSession) teardown() {
	s.cancelCtx()
	s.cancelAlloc()
}

// run executes chromedp actions against the session tab while honoring the
// caller's context.
func (s *BrowserSession) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := s.browserCtx.Err(); err != nil {
		return ErrSessionClosed
	}
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(s.browserCtx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle applies the configured post-action quiet period. Non-critical; a
// cancelled context simply skips the pause.
func (s *BrowserSession) settle(ctx context.Context) {
	wait := s.cfg.PostLoadWait
	if wait <= 0 {
		return
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

func (s *BrowserSession) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.ActionTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// wrapError classifies a raw chromedp failure into the structured taxonomy.
func (s *BrowserSession) wrapError(op string, err error) error {
	code := ErrCodeExecutionError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeoutError
	case errors.Is(err, context.Canceled) && s.browserCtx.Err() != nil:
		code = ErrCodeSessionClosed
	case strings.Contains(err.Error(), "could not find node"),
		strings.Contains(err.Error(), "waiting for selector"),
		strings.Contains(err.Error(), "no nodes found"):
		code = ErrCodeElementNotFound
	case op == "navigate":
		code = ErrCodeNavigationError
	}
	if code == ErrCodeSessionClosed {
		return &Error{Code: code, Op: op, Err: ErrSessionClosed}
	}
	return &Error{Code: code, Op: op, Err: err}
}

// resolveLocator maps a Locator to a chromedp selector and query option.
func resolveLocator(loc Locator) (string, chromedp.QueryOption) {
	if loc.Strategy == StrategyText {
		// BySearch accepts plain text and matches against element text, which
		// gives the retry path a selector-free way to land on a target.
		return loc.Query, chromedp.BySearch
	}
	return loc.Query, chromedp.ByQuery
}

// chordToKeys maps a human-readable chord name to the rune sequence chromedp's
// KeyEvent expects. Unknown chords pass through unchanged.
func chordToKeys(chord string) string {
	switch strings.ToLower(strings.TrimSpace(chord)) {
	case "enter", "return":
		return "\r"
	case "escape", "esc":
		return "\u001b"
	case "tab":
		return "\t"
	default:
		return chord
	}
}
