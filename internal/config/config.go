package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Config holds everything one harvest run needs. It is built once per
// invocation and never modified while the run is in progress.
type Config struct {
	ScenarioID string `mapstructure:"scenario_id"`

	// Credentials
	Login    string `mapstructure:"login"`
	Password string `mapstructure:"password"`

	// Date selection; an explicit range wins over WeeksToProcess
	WeeksToProcess int    `mapstructure:"weeks_to_process"`
	DateFrom       string `mapstructure:"date_from"`
	DateTo         string `mapstructure:"date_to"`

	// Portal and browser
	LoginURL   string `mapstructure:"login_url"`
	Headless   bool   `mapstructure:"headless"`
	ChromePath string `mapstructure:"chrome_path"`

	DownloadBasePath string `mapstructure:"download_path"`

	Timeouts      TimeoutConfig       `mapstructure:"-"`
	ErrorHandling ErrorHandlingConfig `mapstructure:"-"`
	Cleaning      CleaningConfig      `mapstructure:"-"`
	Detection     DetectionConfig     `mapstructure:"-"`
	Logger        LoggerConfig        `mapstructure:"-"`

	HistoryPath string   `mapstructure:"history_path"`
	S3          S3Config `mapstructure:",squash"`
}

// TimeoutConfig contains the per-operation time bounds
type TimeoutConfig struct {
	Page                  time.Duration
	ExtraWait             time.Duration
	DocumentsWait         time.Duration
	Download              time.Duration
	MaxDocumentProcessing time.Duration
	Cooldown              time.Duration
}

// ErrorHandlingConfig contains retry policy
type ErrorHandlingConfig struct {
	MaxActionRetries  int
	ActionBackoff     time.Duration
	MaxNetworkRetries int
	NetworkRetryDelay time.Duration
	MaxRowErrors      int
}

// CleaningConfig contains retention settings
type CleaningConfig struct {
	KeepWeeks int
}

// DetectionConfig contains the document classification heuristics
type DetectionConfig struct {
	InvoiceKeyword       string
	WrongDocumentMarkers []string
	MisfireSuffix        string
	SniffBytes           int
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Default returns the configuration used when nothing else is supplied
func Default() *Config {
	return &Config{
		ScenarioID:       DefaultScenarioID,
		WeeksToProcess:   DefaultWeeksToProcess,
		LoginURL:         DefaultLoginURL,
		Headless:         DefaultHeadless,
		DownloadBasePath: DefaultDownloadBasePath,
		Timeouts: TimeoutConfig{
			Page:                  DefaultPageTimeout,
			ExtraWait:             DefaultExtraWait,
			DocumentsWait:         DefaultDocumentsWait,
			Download:              DefaultDownloadTimeout,
			MaxDocumentProcessing: DefaultMaxDocumentProcessing,
			Cooldown:              DefaultCooldown,
		},
		ErrorHandling: ErrorHandlingConfig{
			MaxActionRetries:  DefaultMaxActionRetries,
			ActionBackoff:     DefaultActionBackoff,
			MaxNetworkRetries: DefaultMaxNetworkRetries,
			NetworkRetryDelay: DefaultNetworkRetryDelay,
			MaxRowErrors:      DefaultMaxRowErrors,
		},
		Cleaning: CleaningConfig{
			KeepWeeks: DefaultKeepWeeks,
		},
		Detection: DetectionConfig{
			InvoiceKeyword:       DefaultInvoiceKeyword,
			WrongDocumentMarkers: append([]string(nil), DefaultWrongDocumentMarkers...),
			MisfireSuffix:        DefaultMisfireSuffix,
			SniffBytes:           DefaultSniffBytes,
		},
		Logger: LoggerConfig{
			Level:      DefaultLogLevel,
			Format:     DefaultLogFormat,
			OutputPath: DefaultLogOutput,
		},
	}
}

// HasExplicitRange reports whether both ends of an explicit date range are set
func (c *Config) HasExplicitRange() bool {
	return c.DateFrom != "" && c.DateTo != ""
}

// ScratchDir is where the browser drops downloads before they are renamed
func (c *Config) ScratchDir() string {
	return filepath.Join(c.DownloadBasePath, DownloadScratchDir)
}

// EnsureDirs creates the download base directory if it doesn't exist
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.DownloadBasePath, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	return nil
}

// CompilePatterns pre-compiles the patterns used to read the portal tables
// and the output directory
func CompilePatterns() map[string]*regexp.Regexp {
	return map[string]*regexp.Regexp{
		"listDate":     regexp.MustCompile(`Data:\s*(\d{2}\.\d{2}\.\d{4})`),
		"orderNumber":  regexp.MustCompile(`Nr zamówienia:\s*(ZS/\d+/\d+/UR)`),
		"rangeFolder":  regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})_(?:do|to)_(\d{4}-\d{2}-\d{2})$`),
		"documentLink": regexp.MustCompile(`/api/.*(/document/|/invoice/)`),
		"pdfURL":       regexp.MustCompile(`(?i)pdf`),
	}
}
