package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// LoadOptions says where configuration comes from. Later sources win:
// defaults, then settings.json scenario values, then environment, then flags.
type LoadOptions struct {
	SettingsPath string
	EnvFile      string
	Flags        *pflag.FlagSet
}

// flagKeys maps command line flags to configuration keys
var flagKeys = []struct {
	name string
	key  string
}{
	{"scenario", "scenario_id"},
	{"login", "login"},
	{"weeks", "weeks_to_process"},
	{"date-from", "date_from"},
	{"date-to", "date_to"},
	{"download-path", "download_path"},
	{"login-url", "login_url"},
	{"headless", "headless"},
	{"chrome-path", "chrome_path"},
	{"log-level", "log_level"},
	{"log-format", "log_format"},
	{"log-output", "log_output"},
	{"page-timeout", "page_timeout"},
	{"download-timeout", "download_timeout"},
	{"processing-timeout", "processing_timeout"},
	{"max-network-retries", "max_network_retries"},
	{"max-row-errors", "max_row_errors"},
	{"keep-weeks", "keep_weeks"},
	{"history", "history_path"},
	{"s3-bucket", "s3_bucket"},
	{"s3-prefix", "s3_prefix"},
	{"s3-endpoint", "s3_endpoint"},
}

// RegisterFlags adds the configuration flags shared by every command
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("scenario", DefaultScenarioID, "Scenario id in settings.json")
	fs.String("login", "", "Portal login (password comes from "+EnvPassword+")")
	fs.Int("weeks", DefaultWeeksToProcess, "Number of calendar weeks to harvest, most recent first")
	fs.String("date-from", "", "Explicit range start (YYYY-MM-DD), overrides --weeks")
	fs.String("date-to", "", "Explicit range end (YYYY-MM-DD), overrides --weeks")
	fs.String("download-path", DefaultDownloadBasePath, "Base directory for harvested invoices")
	fs.String("login-url", DefaultLoginURL, "Portal login page")
	fs.Bool("headless", DefaultHeadless, "Run the browser without a window")
	fs.String("chrome-path", "", "Chrome/Chromium executable (auto-detected when empty)")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warn, error (or verbose, normal, minimal)")
	fs.String("log-format", DefaultLogFormat, "Log format: console or json")
	fs.String("log-output", DefaultLogOutput, "Log destination: stdout, stderr or a file path")
	fs.Duration("page-timeout", DefaultPageTimeout, "Page load timeout")
	fs.Duration("download-timeout", DefaultDownloadTimeout, "Download event timeout")
	fs.Duration("processing-timeout", DefaultMaxDocumentProcessing, "Time budget per order")
	fs.Int("max-network-retries", DefaultMaxNetworkRetries, "Reload-based recovery attempts")
	fs.Int("max-row-errors", DefaultMaxRowErrors, "Document row errors before an order is abandoned")
	fs.Int("keep-weeks", DefaultKeepWeeks, "Retention window in weeks")
	fs.String("history", "", "SQLite run history database (disabled when empty)")
	fs.String("s3-bucket", "", "Archive verified invoices to this S3 bucket")
	fs.String("s3-prefix", "", "Key prefix inside the archive bucket")
	fs.String("s3-endpoint", "", "S3-compatible endpoint (MinIO, etc.)")
}

// Load builds a Config from defaults, the scenario store, environment and flags
func Load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := gotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if opts.Flags != nil {
		for _, f := range flagKeys {
			if flag := opts.Flags.Lookup(f.name); flag != nil {
				_ = v.BindPFlag(f.key, flag)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	_ = v.BindEnv("login", EnvLogin)
	_ = v.BindEnv("password", EnvPassword)

	store, err := OpenScenarioStore(opts.SettingsPath)
	if err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(store.Overlay(v.GetString("scenario_id"))); err != nil {
		return nil, fmt.Errorf("failed to merge scenario settings: %w", err)
	}

	result := Default()
	if err := v.Unmarshal(result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	result.Timeouts = TimeoutConfig{
		Page:                  v.GetDuration("page_timeout"),
		ExtraWait:             v.GetDuration("extra_wait"),
		DocumentsWait:         v.GetDuration("documents_wait"),
		Download:              v.GetDuration("download_timeout"),
		MaxDocumentProcessing: v.GetDuration("processing_timeout"),
		Cooldown:              v.GetDuration("cooldown"),
	}
	result.ErrorHandling = ErrorHandlingConfig{
		MaxActionRetries:  v.GetInt("max_action_retries"),
		ActionBackoff:     v.GetDuration("action_backoff"),
		MaxNetworkRetries: v.GetInt("max_network_retries"),
		NetworkRetryDelay: v.GetDuration("network_retry_delay"),
		MaxRowErrors:      v.GetInt("max_row_errors"),
	}
	result.Cleaning = CleaningConfig{KeepWeeks: v.GetInt("keep_weeks")}
	result.Detection = DetectionConfig{
		InvoiceKeyword:       v.GetString("invoice_keyword"),
		WrongDocumentMarkers: lowerAll(v.GetStringSlice("wrong_document_markers")),
		MisfireSuffix:        v.GetString("misfire_suffix"),
		SniffBytes:           v.GetInt("sniff_bytes"),
	}
	result.Logger = LoggerConfig{
		Level:      v.GetString("log_level"),
		Format:     v.GetString("log_format"),
		OutputPath: v.GetString("log_output"),
	}

	return result, nil
}

// setDefaults registers every key so that environment overrides are seen by Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("scenario_id", DefaultScenarioID)
	v.SetDefault("login", "")
	v.SetDefault("password", "")
	v.SetDefault("weeks_to_process", DefaultWeeksToProcess)
	v.SetDefault("date_from", "")
	v.SetDefault("date_to", "")
	v.SetDefault("login_url", DefaultLoginURL)
	v.SetDefault("headless", DefaultHeadless)
	v.SetDefault("chrome_path", "")
	v.SetDefault("download_path", DefaultDownloadBasePath)
	v.SetDefault("history_path", "")

	v.SetDefault("page_timeout", DefaultPageTimeout)
	v.SetDefault("extra_wait", DefaultExtraWait)
	v.SetDefault("documents_wait", DefaultDocumentsWait)
	v.SetDefault("download_timeout", DefaultDownloadTimeout)
	v.SetDefault("processing_timeout", DefaultMaxDocumentProcessing)
	v.SetDefault("cooldown", DefaultCooldown)

	v.SetDefault("max_action_retries", DefaultMaxActionRetries)
	v.SetDefault("action_backoff", DefaultActionBackoff)
	v.SetDefault("max_network_retries", DefaultMaxNetworkRetries)
	v.SetDefault("network_retry_delay", DefaultNetworkRetryDelay)
	v.SetDefault("max_row_errors", DefaultMaxRowErrors)

	v.SetDefault("keep_weeks", DefaultKeepWeeks)

	v.SetDefault("invoice_keyword", DefaultInvoiceKeyword)
	v.SetDefault("wrong_document_markers", DefaultWrongDocumentMarkers)
	v.SetDefault("misfire_suffix", DefaultMisfireSuffix)
	v.SetDefault("sniff_bytes", DefaultSniffBytes)

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("log_output", DefaultLogOutput)

	v.SetDefault("s3_bucket", "")
	v.SetDefault("s3_prefix", "")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("s3_session_token", "")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_region", "")
}

// ScenarioStore is a read-only view of the persisted settings.json
type ScenarioStore struct {
	v    *viper.Viper
	path string
}

// OpenScenarioStore reads settings.json. A missing file yields an empty store.
func OpenScenarioStore(path string) (*ScenarioStore, error) {
	store := &ScenarioStore{v: viper.New(), path: path}
	if path == "" {
		return store, nil
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return store, nil
	}

	store.v.SetConfigFile(path)
	store.v.SetConfigType("json")
	if err := store.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	return store, nil
}

// GetValue returns section.key from the general sections, or def
func (s *ScenarioStore) GetValue(section, key string, def interface{}) interface{} {
	full := section + "." + key
	if !s.v.IsSet(full) {
		return def
	}
	return s.v.Get(full)
}

// GetScenarioValue returns a setting of the given scenario, or def
func (s *ScenarioStore) GetScenarioValue(scenarioID, key string, def interface{}) interface{} {
	settings := s.settings(scenarioID)
	for k, val := range settings {
		if strings.EqualFold(k, key) {
			return val
		}
	}
	return def
}

func (s *ScenarioStore) settings(scenarioID string) map[string]interface{} {
	scenarios, ok := s.v.Get("scenarios").([]interface{})
	if !ok {
		return nil
	}

	for _, raw := range scenarios {
		scenario, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if id, _ := scenario["id"].(string); id != scenarioID {
			continue
		}
		settings, _ := scenario["settings"].(map[string]interface{})
		return settings
	}

	return nil
}

// Overlay translates the stored scenario into configuration keys. Millisecond
// values from the technical section are converted to durations.
func (s *ScenarioStore) Overlay(scenarioID string) map[string]interface{} {
	out := make(map[string]interface{})

	copyKey := func(from, to string) {
		if val := s.GetScenarioValue(scenarioID, from, nil); val != nil {
			out[to] = val
		}
	}
	copyKey("login", "login")
	copyKey("password", "password")
	copyKey("weeks_to_process", "weeks_to_process")
	copyKey("download_path", "download_path")
	copyKey("date_from", "date_from")
	copyKey("date_to", "date_to")
	copyKey("headless", "headless")
	copyKey("chrome_path", "chrome_path")
	copyKey("keep_weeks", "keep_weeks")

	if url := s.GetScenarioValue(scenarioID, "url", nil); url != nil {
		out["login_url"] = url
	}

	millis := []struct {
		from string
		to   string
	}{
		{"page_timeout", "page_timeout"},
		{"extra_delay", "extra_wait"},
		{"download_timeout", "download_timeout"},
		{"processing_timeout", "processing_timeout"},
		{"network_retry_delay", "network_retry_delay"},
	}
	for _, m := range millis {
		if ms, ok := toInt64(s.GetValue("playwright", m.from, nil)); ok {
			out[m.to] = time.Duration(ms) * time.Millisecond
		}
	}

	if val := s.GetValue("playwright", "max_network_retries", nil); val != nil {
		out["max_network_retries"] = val
	}
	if val := s.GetValue("playwright", "log_level", nil); val != nil {
		out["log_level"] = val
	}
	if val := s.GetValue("cleaning", "keep_weeks", nil); val != nil {
		if _, set := out["keep_weeks"]; !set {
			out["keep_weeks"] = val
		}
	}

	// Empty strings in settings.json mean "not set"
	for k, val := range out {
		if str, ok := val.(string); ok && str == "" {
			delete(out, k)
		}
	}

	return out
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
