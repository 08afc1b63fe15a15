// Package browser provides browser configuration options for Chrome automation.
package browser

import (
	"encoding/json"

	"github.com/chromedp/chromedp"

	"invoice-harvester/internal/config"
)

// Options contains configuration for browser automation
type Options struct {
	Headless      bool
	ExecPath      string
	WindowWidth   int
	WindowHeight  int
	UserAgent     string
	BlockTrackers bool
}

// DefaultOptions returns standard browser options
func DefaultOptions() Options {
	return Options{
		Headless:      config.DefaultHeadless,
		WindowWidth:   config.DefaultWindowWidth,
		WindowHeight:  config.DefaultWindowHeight,
		UserAgent:     DefaultUserAgent,
		BlockTrackers: true,
	}
}

// OptionsFromConfig returns the browser options of a run
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Headless = cfg.Headless
	opts.ExecPath = cfg.ChromePath
	return opts
}

// BuildChromeOptions creates Chrome options based on Options
func BuildChromeOptions(opts Options) []chromedp.ExecAllocatorOption {
	chromeOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-features", "VizDisplayCompositor"),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)

	if opts.Headless {
		chromeOpts = append(chromeOpts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-gpu", true),
		)
	}

	if opts.ExecPath != "" {
		chromeOpts = append(chromeOpts, chromedp.ExecPath(opts.ExecPath))
	}

	if opts.UserAgent != "" {
		chromeOpts = append(chromeOpts, chromedp.UserAgent(opts.UserAgent))
	}

	return chromeOpts
}

// TrackerBlockingScript returns JavaScript that blocks analytics requests
// issued by the portal pages
func TrackerBlockingScript() string {
	domains, _ := json.Marshal(BlockedDomains)

	return `
		(() => {
			const blockedDomains = ` + string(domains) + `;
			const isBlocked = (url) => typeof url === 'string' && blockedDomains.some(d => url.includes(d));

			const originalFetch = window.fetch;
			window.fetch = function(...args) {
				if (isBlocked(args[0])) {
					return Promise.reject(new Error('Blocked'));
				}
				return originalFetch.apply(this, args);
			};

			const originalOpen = XMLHttpRequest.prototype.open;
			XMLHttpRequest.prototype.open = function(method, url, ...args) {
				if (isBlocked(url)) {
					throw new Error('Blocked');
				}
				return originalOpen.apply(this, [method, url, ...args]);
			};
		})();
	`
}
