// Package browser provides constants used to drive the portal UI.
package browser

import "time"

// Portal selectors and labels
const (
	EmailInputSelector    = `input[placeholder="Podaj e-mail"]`
	PasswordInputSelector = `input[placeholder="Podaj hasło"]`
	LoginButtonXPath      = `//button[contains(normalize-space(.), 'Zaloguj się')]`
	NavigationDrawer      = `urt-navigation-drawer`
	InvoiceListXPath      = `//urt-navigation-drawer//*[normalize-space(text())='Lista faktur i zamówień']`
	TableRowsSelector     = `table tbody tr`
	TableSelector         = `table`
	DocumentsLinkXPath    = `//a[normalize-space(.)='Dokumenty']`
	DownloadButtonLabel   = "Pobierz"
)

// Timing
const (
	LoginActionRetries = 3
	InvoiceListRetries = 5
	ListReloadWait     = 2 * time.Second
	ForceClickWait     = 1 * time.Second
	NewTabTimeout      = 5 * time.Second
	DownloadPollWait   = 250 * time.Millisecond
)

// Browser configuration
const (
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	MaxRedirects        = 5
	MaxDocumentBytes    = 20 << 20
	HTTPRequestTimeout  = 30 * time.Second
	HTTPMaxRetries      = 3
	HTTPMaxBackoffDelay = 5 * time.Second
)

// Console messages that point at a connectivity problem
var NetworkErrorMarkers = []string{
	"Failed to load resource",
	"net::ERR_NETWORK",
	"net::ERR_CONNECTION",
	"net::ERR_INTERNET_DISCONNECTED",
}

// Blocked domains for browser requests
var BlockedDomains = []string{
	"doubleclick",
	"googlesyndication",
	"google-analytics",
	"googletagmanager",
	"facebook.com/tr",
	"hotjar",
}

// Chrome executables looked up on PATH, most specific first
var ChromeExecutables = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"headless-shell",
	"msedge",
}

// Well-known install locations checked when nothing is on PATH
var ChromeInstallPaths = []string{
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
	`C:\Program Files\Google\Chrome\Application\chrome.exe`,
	`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
	"/usr/bin/google-chrome",
	"/usr/bin/chromium",
	"/snap/bin/chromium",
}

// Session lifecycle
const (
	BrowserStartTimeout = 30 * time.Second
)
