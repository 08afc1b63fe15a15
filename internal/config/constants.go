package config

import "time"

// Default values
const (
	DefaultScenarioID       = "urtica"
	DefaultSettingsFile     = "config/settings.json"
	DefaultEnvFile          = ".env"
	DefaultLoginURL         = "https://e-urtica.pl/authorization/login"
	DefaultDownloadBasePath = "./faktury"
	DefaultWeeksToProcess   = 2
	DefaultLogLevel         = "minimal"
	DefaultLogFormat        = "console"
	DefaultLogOutput        = "stdout"
	DefaultHeadless         = false

	DefaultPageTimeout           = 10 * time.Second
	DefaultExtraWait             = 1 * time.Second
	DefaultDocumentsWait         = 3 * time.Second
	DefaultDownloadTimeout       = 15 * time.Second
	DefaultMaxDocumentProcessing = 30 * time.Second
	DefaultCooldown              = 3 * time.Second

	DefaultMaxActionRetries  = 3
	DefaultActionBackoff     = 500 * time.Millisecond
	DefaultMaxNetworkRetries = 3
	DefaultNetworkRetryDelay = 5 * time.Second
	DefaultMaxRowErrors      = 3

	DefaultKeepWeeks = 12

	DefaultInvoiceKeyword = "faktura"
	DefaultMisfireSuffix  = "_polityka_prywatnosci"
	DefaultSniffBytes     = 1024

	DefaultWindowWidth  = 1920
	DefaultWindowHeight = 1080
)

// DefaultWrongDocumentMarkers are the lowercase strings that identify a
// privacy-policy PDF served in place of an invoice.
var DefaultWrongDocumentMarkers = []string{
	"polityka prywatności",
	"prywatności",
}

// Output layout
const (
	RangeFolderLayout  = "2006-01-02"
	RangeFolderSep     = "_do_"
	InvoiceFilePrefix  = "faktura_"
	ScreenshotPrefix   = "zamowienia_tabela_"
	DownloadScratchDir = ".downloads"
)

// Environment variable names
const (
	EnvPrefix   = "HARVEST"
	EnvLogin    = "HARVEST_LOGIN"
	EnvPassword = "HARVEST_PASSWORD"
)
