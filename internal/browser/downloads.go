package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"invoice-harvester/internal/models"
)

var (
	// ErrNoDownload means no download event arrived in time
	ErrNoDownload = errors.New("no download event")
	// ErrNoNewTab means the middle click opened nothing
	ErrNoNewTab = errors.New("no new tab opened")
	// ErrNotPDFTab means the new tab does not point at a PDF
	ErrNotPDFTab = errors.New("new tab is not a PDF")
	// ErrNoDocumentLink means the page has no API document link
	ErrNoDocumentLink = errors.New("no document API link on page")
)

const findDocumentLinkScript = `
	(() => {
		const links = Array.from(document.querySelectorAll('a[href*="api"]'));
		for (const link of links) {
			if (link.href.includes('/api/') && (link.href.includes('/document/') || link.href.includes('/invoice/'))) {
				return link.href;
			}
		}
		return '';
	})()
`

type downloadEvent struct {
	guid string
	err  error
}

// downloadTracker turns browser download events into completed file paths
type downloadTracker struct {
	dir    string
	mu     sync.Mutex
	names  map[string]string
	events chan downloadEvent
}

func newDownloadTracker(dir string) *downloadTracker {
	return &downloadTracker{
		dir:    dir,
		names:  make(map[string]string),
		events: make(chan downloadEvent, 16),
	}
}

// handle is called from the event loop and must not block
func (t *downloadTracker) handle(ev interface{}) {
	switch ev := ev.(type) {
	case *browser.EventDownloadWillBegin:
		t.mu.Lock()
		t.names[ev.GUID] = ev.SuggestedFilename
		t.mu.Unlock()
	case *browser.EventDownloadProgress:
		switch ev.State {
		case browser.DownloadProgressStateCompleted:
			t.push(downloadEvent{guid: ev.GUID})
		case browser.DownloadProgressStateCanceled:
			t.push(downloadEvent{guid: ev.GUID, err: errors.New("download canceled by browser")})
		}
	}
}

func (t *downloadTracker) push(e downloadEvent) {
	select {
	case t.events <- e:
	default:
	}
}

// reset drops events left over from earlier attempts
func (t *downloadTracker) reset() {
	for {
		select {
		case <-t.events:
		default:
			return
		}
	}
}

// wait returns the scratch path of the next completed download
func (t *downloadTracker) wait(ctx context.Context, timeout time.Duration) (string, string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-t.events:
		if e.err != nil {
			return "", "", e.err
		}
		t.mu.Lock()
		name := t.names[e.guid]
		delete(t.names, e.guid)
		t.mu.Unlock()
		return filepath.Join(t.dir, e.guid), name, nil
	case <-timer.C:
		return "", "", &models.TimeoutError{Operation: "download", Timeout: timeout.String(), Err: ErrNoDownload}
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// DownloadFromRow clicks "Pobierz" in a document row (1-based) and moves
// the resulting download to dest
func (s *Session) DownloadFromRow(ctx context.Context, row int, dest string, timeout time.Duration) (string, error) {
	if s.downloads == nil {
		return "", ErrClosed
	}
	s.downloads.reset()

	if err := s.run(ctx, s.cfg.Timeouts.Page, chromedp.Click(downloadButtonXPath(row), chromedp.BySearch)); err != nil {
		return "", fmt.Errorf("failed to click %s: %w", DownloadButtonLabel, err)
	}

	return s.collectDownload(ctx, dest, timeout)
}

// ForceClickDownload clicks the row's download button from a script,
// bypassing overlays, and returns whatever download that produces
func (s *Session) ForceClickDownload(ctx context.Context, row int, dest string) (string, error) {
	if s.downloads == nil {
		return "", ErrClosed
	}
	s.downloads.reset()

	var clicked bool
	if err := s.run(ctx, s.cfg.Timeouts.Page, chromedp.Evaluate(forceClickScript(downloadButtonXPath(row)), &clicked)); err != nil {
		return "", fmt.Errorf("force click failed: %w", err)
	}
	if !clicked {
		return "", fmt.Errorf("force click failed: %s button not found", DownloadButtonLabel)
	}
	return s.collectDownload(ctx, dest, ForceClickWait)
}

// DownloadViaNewTab middle-clicks the row's download button to get a new tab.
// When that tab shows a PDF the download is triggered again from there.
func (s *Session) DownloadViaNewTab(ctx context.Context, row int, dest string, timeout time.Duration) (string, error) {
	if s.downloads == nil {
		return "", ErrClosed
	}
	xpath := downloadButtonXPath(row)
	// a late download from an earlier click must not be taken for this one
	s.downloads.reset()

	openerID := chromedp.FromContext(s.tabCtx).Target.TargetID
	waitCtx, cancelWait := context.WithCancel(s.tabCtx)
	defer cancelWait()
	newTab := chromedp.WaitNewTarget(waitCtx, func(info *target.Info) bool {
		return info.OpenerID == openerID && info.URL != "" && info.URL != "about:blank"
	})

	var nodes []*cdp.Node
	if err := s.run(ctx, s.cfg.Timeouts.Page, chromedp.Nodes(xpath, &nodes, chromedp.BySearch)); err != nil {
		return "", fmt.Errorf("download button lookup failed: %w", err)
	}
	if len(nodes) == 0 {
		return "", fmt.Errorf("%s button not found", DownloadButtonLabel)
	}
	if err := s.run(ctx, s.cfg.Timeouts.Page, chromedp.MouseClickNode(nodes[0], chromedp.ButtonMiddle)); err != nil {
		return "", fmt.Errorf("middle click failed: %w", err)
	}

	var id target.ID
	timer := time.NewTimer(NewTabTimeout)
	defer timer.Stop()
	select {
	case id = <-newTab:
	case <-timer.C:
		return "", ErrNoNewTab
	case <-ctx.Done():
		return "", ctx.Err()
	}

	tabCtx, closeTab := chromedp.NewContext(s.tabCtx, chromedp.WithTargetID(id))
	defer closeTab()
	s.watch(tabCtx)

	var url string
	if err := s.runIn(ctx, tabCtx, s.cfg.Timeouts.Page,
		s.downloadBehavior(),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&url),
	); err != nil {
		return "", fmt.Errorf("new tab did not load: %w", err)
	}
	s.logger.Debug("New tab opened", zap.String("url", url))

	if !s.patterns["pdfURL"].MatchString(url) {
		return "", fmt.Errorf("%w: %s", ErrNotPDFTab, url)
	}

	s.downloads.reset()
	// A download aborts the navigation, so the reload error is expected
	_ = s.runIn(ctx, tabCtx, s.cfg.Timeouts.Page, chromedp.Reload())
	if path, err := s.collectDownload(ctx, dest, timeout); err == nil {
		return path, nil
	}

	// The built-in viewer kept the PDF; fetch it from inside the tab instead
	data, err := s.fetchIn(ctx, tabCtx, url)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save document: %w", err)
	}
	return dest, nil
}

// FindDocumentAPIURL returns the first /api/ link to a document or invoice
func (s *Session) FindDocumentAPIURL(ctx context.Context) (string, error) {
	var href string
	if err := s.run(ctx, s.cfg.Timeouts.Page, chromedp.Evaluate(findDocumentLinkScript, &href)); err != nil {
		return "", err
	}
	return s.documentLink(href)
}

// documentLink accepts href only when it points at a document or invoice API
func (s *Session) documentLink(href string) (string, error) {
	if href == "" || !s.patterns["documentLink"].MatchString(href) {
		return "", fmt.Errorf("%w: %q", ErrNoDocumentLink, href)
	}
	return href, nil
}

// FetchInPage downloads url with the page's own fetch and session
func (s *Session) FetchInPage(ctx context.Context, url string) ([]byte, error) {
	return s.fetchIn(ctx, s.tabCtx, url)
}

func (s *Session) fetchIn(ctx context.Context, tab context.Context, url string) ([]byte, error) {
	var res struct {
		Data  string `json:"data"`
		Type  string `json:"type"`
		Size  int    `json:"size"`
		Error string `json:"error"`
	}

	awaitPromise := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if err := s.runIn(ctx, tab, s.cfg.Timeouts.Download, chromedp.Evaluate(fetchAsDataURLScript(url), &res, awaitPromise)); err != nil {
		return nil, fmt.Errorf("in-page fetch failed: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("in-page fetch failed: %s", res.Error)
	}

	s.logger.Debug("Fetched document in page",
		zap.String("url", url),
		zap.String("type", res.Type),
		zap.Int("size", res.Size))
	return DecodeDataURL(res.Data)
}

func (s *Session) collectDownload(ctx context.Context, dest string, timeout time.Duration) (string, error) {
	src, name, err := s.downloads.wait(ctx, timeout)
	if err != nil {
		return "", err
	}
	if err := moveFile(src, dest); err != nil {
		return "", fmt.Errorf("failed to save download: %w", err)
	}

	s.logger.Debug("Download captured",
		zap.String("suggested", name),
		zap.String("saved_as", filepath.Base(dest)))
	return dest, nil
}

// DecodeDataURL returns the payload of a base64 data URL
func DecodeDataURL(dataURL string) ([]byte, error) {
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasPrefix(header, "data:") {
		return nil, fmt.Errorf("not a data URL")
	}
	if !strings.HasSuffix(header, ";base64") {
		return []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data URL: %w", err)
	}
	return data, nil
}

func forceClickScript(xpath string) string {
	quoted, _ := json.Marshal(xpath)
	return `
		(() => {
			const el = document.evaluate(` + string(quoted) + `, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
			if (!el) return false;
			el.click();
			return true;
		})()
	`
}

func fetchAsDataURLScript(url string) string {
	quoted, _ := json.Marshal(url)
	return `
		(async () => {
			try {
				const response = await fetch(` + string(quoted) + `, {
					method: 'GET',
					credentials: 'include',
					headers: { 'Accept': 'application/pdf' }
				});
				if (!response.ok) {
					return { error: 'HTTP ' + response.status };
				}
				const blob = await response.blob();
				return await new Promise((resolve) => {
					const reader = new FileReader();
					reader.onloadend = () => resolve({ data: reader.result, type: blob.type, size: blob.size });
					reader.onerror = () => resolve({ error: 'FileReader failed' });
					reader.readAsDataURL(blob);
				});
			} catch (e) {
				return { error: String(e) };
			}
		})()
	`
}

// moveFile renames src to dest, copying when they sit on different devices
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
