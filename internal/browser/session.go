package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"invoice-harvester/internal/config"
	"invoice-harvester/internal/models"
	"invoice-harvester/internal/retry"
)

// ErrClosed is returned by every call made before Open or after Close
var ErrClosed = errors.New("browser session is not open")

// Session owns one browser, one context and one tab for a whole run. It is
// the only type that touches the page.
type Session struct {
	cfg      *config.Config
	opts     Options
	logger   *zap.Logger
	patterns map[string]*regexp.Regexp
	scratch  string

	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	downloads   *downloadTracker
	closeOnce   sync.Once

	list listSteps
}

// listSteps are the page operations behind GoToInvoiceList
type listSteps struct {
	click     func(ctx context.Context) error
	waitTable func(ctx context.Context) error
	reload    func(ctx context.Context) error
	pause     func(ctx context.Context, d time.Duration) bool
}

// NewSession prepares a session; nothing is started until Open
func NewSession(cfg *config.Config, logger *zap.Logger) *Session {
	s := &Session{
		cfg:      cfg,
		opts:     OptionsFromConfig(cfg),
		logger:   logger.Named("browser"),
		patterns: config.CompilePatterns(),
		scratch:  cfg.ScratchDir(),
	}
	s.list = listSteps{
		click: func(ctx context.Context) error {
			return s.run(ctx, s.cfg.Timeouts.Page, chromedp.Click(InvoiceListXPath, chromedp.BySearch))
		},
		waitTable: func(ctx context.Context) error {
			return s.run(ctx, s.cfg.Timeouts.Page, chromedp.WaitVisible(TableRowsSelector, chromedp.ByQuery))
		},
		reload: s.Reload,
		pause:  s.Wait,
	}
	return s
}

// Open launches the browser and configures downloads into the scratch dir
func (s *Session) Open(ctx context.Context) error {
	scratch, err := filepath.Abs(s.scratch)
	if err != nil {
		return fmt.Errorf("failed to resolve download dir: %w", err)
	}
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}
	s.scratch = scratch
	s.downloads = newDownloadTracker(scratch)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), BuildChromeOptions(s.opts)...)
	sugar := s.logger.Sugar()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)
	s.tabCtx, s.cancelTab, s.cancelAlloc = tabCtx, cancelTab, cancelAlloc

	s.watch(tabCtx)

	// the first Run allocates the browser and must not use a derived
	// context, or the browser dies with it
	if err := chromedp.Run(tabCtx); err != nil {
		_ = s.Close()
		return &models.EngineUnavailableError{Reason: "failed to launch browser", Err: err}
	}

	actions := []chromedp.Action{s.downloadBehavior()}
	if s.opts.BlockTrackers {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(TrackerBlockingScript()).Do(ctx)
			return err
		}))
	}

	if err := s.runIn(ctx, tabCtx, BrowserStartTimeout, actions...); err != nil {
		_ = s.Close()
		return &models.EngineUnavailableError{Reason: "failed to start browser", Err: err}
	}

	s.logger.Info("Browser started",
		zap.Bool("headless", s.opts.Headless),
		zap.String("downloads", scratch))
	return nil
}

// Close shuts the browser down and removes the scratch dir. It is safe to
// call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.tabCtx != nil {
			// cancelling the first tab closes the browser gracefully
			s.cancelTab()
			s.cancelAlloc()
		}
		if s.downloads != nil {
			if rmErr := os.RemoveAll(s.scratch); rmErr != nil && err == nil {
				err = rmErr
			}
		}
		s.logger.Info("Browser closed")
	})
	return err
}

// TryAction retries an idempotent UI action with the configured backoff
func (s *Session) TryAction(ctx context.Context, description string, maxRetries int, action func(ctx context.Context) error) bool {
	return retry.TryAction(ctx, s.logger, description, maxRetries, s.cfg.ErrorHandling.ActionBackoff, action)
}

// Login signs into the portal. Any failure is fatal for the run.
func (s *Session) Login(ctx context.Context, login, password string) error {
	pageTimeout := s.cfg.Timeouts.Page

	if err := s.run(ctx, pageTimeout,
		chromedp.Navigate(s.cfg.LoginURL),
		chromedp.WaitVisible(EmailInputSelector, chromedp.ByQuery),
	); err != nil {
		return &models.LoginError{User: login, Err: &models.NavigationError{Step: "login page", Err: err}}
	}

	if err := s.run(ctx, pageTimeout,
		chromedp.SetValue(EmailInputSelector, "", chromedp.ByQuery),
		chromedp.SendKeys(EmailInputSelector, login, chromedp.ByQuery),
		chromedp.Click(PasswordInputSelector, chromedp.ByQuery),
		chromedp.SetValue(PasswordInputSelector, "", chromedp.ByQuery),
		chromedp.SendKeys(PasswordInputSelector, password, chromedp.ByQuery),
	); err != nil {
		return &models.LoginError{User: login, Err: fmt.Errorf("failed to fill credentials: %w", err)}
	}

	clicked := s.TryAction(ctx, "click login button", LoginActionRetries, func(ctx context.Context) error {
		return s.run(ctx, pageTimeout, chromedp.Click(LoginButtonXPath, chromedp.BySearch))
	})
	if !clicked {
		return &models.LoginError{User: login, Err: errors.New("login button not clickable")}
	}

	s.Wait(ctx, s.cfg.Timeouts.ExtraWait)

	if err := s.run(ctx, pageTimeout, chromedp.WaitVisible(NavigationDrawer, chromedp.ByQuery)); err != nil {
		return &models.LoginError{User: login, Err: fmt.Errorf("portal did not accept credentials: %w", err)}
	}

	s.logger.Info("Logged in", zap.String("user", login))
	return nil
}

// GoToInvoiceList opens the invoice list and waits for its table. Failed
// clicks go through reload-based network recovery; a missing table gets one
// reload. It returns false instead of failing the run.
func (s *Session) GoToInvoiceList(ctx context.Context) bool {
	maxNet := s.cfg.ErrorHandling.MaxNetworkRetries

	for attempt := 0; attempt <= maxNet; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		clicked := s.TryAction(ctx, "open invoice list", InvoiceListRetries, s.list.click)
		if clicked {
			return s.waitForListTable(ctx)
		}

		if attempt == maxNet {
			break
		}
		s.logger.Warn("Invoice list unreachable, recovering",
			zap.Int("attempt", attempt+1),
			zap.Int("max", maxNet))
		s.HandleNetworkIssue(ctx)
	}

	s.logger.Error("Failed to open invoice list", zap.Int("network_retries", maxNet))
	return false
}

func (s *Session) waitForListTable(ctx context.Context) bool {
	if err := s.list.waitTable(ctx); err == nil {
		s.logger.Debug("Invoice table loaded")
		return true
	}

	s.logger.Info("Invoice table not found, reloading")
	if err := s.list.reload(ctx); err != nil {
		s.logger.Warn("Reload failed", zap.Error(err))
	}
	s.list.pause(ctx, ListReloadWait)

	if err := s.list.waitTable(ctx); err != nil {
		s.logger.Warn("Invoice table still missing after reload", zap.Error(err))
		return false
	}
	return true
}

// HandleNetworkIssue reloads the page and gives the network time to recover
func (s *Session) HandleNetworkIssue(ctx context.Context) bool {
	if err := s.list.reload(ctx); err != nil {
		s.logger.Warn("Network recovery failed", zap.Error(err))
		return false
	}
	return s.list.pause(ctx, s.cfg.ErrorHandling.NetworkRetryDelay)
}

// Reload reloads the current page
func (s *Session) Reload(ctx context.Context) error {
	return s.run(ctx, s.cfg.Timeouts.Page,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// ListTableHTML returns the outer HTML of the first table on the page
func (s *Session) ListTableHTML(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, s.cfg.Timeouts.Page, chromedp.OuterHTML(TableSelector, &html, chromedp.ByQuery))
	return html, err
}

// DocumentTableHTML returns the documents table of the open order
func (s *Session) DocumentTableHTML(ctx context.Context) (string, error) {
	return s.ListTableHTML(ctx)
}

// OpenOrderRow clicks the tag cell of a list row (1-based)
func (s *Session) OpenOrderRow(ctx context.Context, row int) error {
	return s.run(ctx, s.cfg.Timeouts.Page, chromedp.Click(orderTagXPath(row), chromedp.BySearch))
}

// OpenDocuments follows the "Dokumenty" link of an open order
func (s *Session) OpenDocuments(ctx context.Context) error {
	return s.run(ctx, s.cfg.Timeouts.Page, chromedp.Click(DocumentsLinkXPath, chromedp.BySearch))
}

// Screenshot saves a PNG of the visible page
func (s *Session) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, s.cfg.Timeouts.Page, chromedp.CaptureScreenshot(&buf)); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0644)
}

// Cookies returns the browser cookies in net/http form
func (s *Session) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, s.cfg.Timeouts.Page, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

// Wait pauses the flow; it returns false when ctx ends first
func (s *Session) Wait(ctx context.Context, d time.Duration) bool {
	return retry.Sleep(ctx, d)
}

func (s *Session) downloadBehavior() chromedp.Action {
	return browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(s.scratch).
		WithEventsEnabled(true)
}

// watch routes download and console events of one tab
func (s *Session) watch(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		s.downloads.handle(ev)

		switch ev := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			if ev.Type == runtime.APITypeError {
				s.reportConsole(consoleText(ev.Args))
			}
		case *cdplog.EventEntryAdded:
			if ev.Entry != nil && ev.Entry.Level == cdplog.LevelError {
				s.reportConsole(ev.Entry.Text)
			}
		}
	})
}

func (s *Session) reportConsole(text string) {
	if IsNetworkError(text) {
		s.logger.Warn("Network error reported by page", zap.String("message", text))
		return
	}
	s.logger.Debug("Page console error", zap.String("message", text))
}

// run executes actions on the session tab
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	return s.runIn(ctx, s.tabCtx, timeout, actions...)
}

// runIn executes actions on tab, bounded by timeout and by the caller's ctx
func (s *Session) runIn(ctx context.Context, tab context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if tab == nil {
		return ErrClosed
	}

	runCtx, cancel := context.WithTimeout(tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &models.TimeoutError{Operation: "browser action", Timeout: timeout.String(), Err: err}
	}
	return err
}

// IsNetworkError reports whether a console message points at connectivity
func IsNetworkError(text string) bool {
	for _, marker := range NetworkErrorMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case arg.Description != "":
			parts = append(parts, arg.Description)
		case len(arg.Value) > 0:
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
		}
	}
	return strings.Join(parts, " ")
}

func orderTagXPath(row int) string {
	return fmt.Sprintf(`((//table)[1]//tbody/tr)[%d]/td[3]/*[contains(concat(' ', normalize-space(@class), ' '), ' table-tag ')]`, row)
}

func downloadButtonXPath(row int) string {
	return fmt.Sprintf(`((//table)[1]//tbody/tr)[%d]//button[contains(normalize-space(.), '%s')]`, row, DownloadButtonLabel)
}
