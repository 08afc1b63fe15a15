package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks if the configuration is usable for a harvest run
func (c *Config) Validate() error {
	if c.Login == "" {
		return fmt.Errorf("login is required (set %s env var or scenario setting)", EnvLogin)
	}
	if c.Password == "" {
		return fmt.Errorf("password is required (set %s env var or scenario setting)", EnvPassword)
	}
	if c.LoginURL == "" {
		return fmt.Errorf("login_url is required")
	}
	if c.DownloadBasePath == "" {
		return fmt.Errorf("download_path is required")
	}
	if !c.HasExplicitRange() && c.WeeksToProcess < 1 {
		return fmt.Errorf("weeks_to_process must be a positive integer")
	}
	if (c.DateFrom == "") != (c.DateTo == "") {
		return fmt.Errorf("date_from and date_to must be set together")
	}

	if err := c.ValidateTimeouts(); err != nil {
		return err
	}

	if c.ErrorHandling.MaxActionRetries < 1 {
		return fmt.Errorf("max_action_retries must be at least 1")
	}
	if c.ErrorHandling.MaxNetworkRetries < 0 {
		return fmt.Errorf("max_network_retries must not be negative")
	}
	if c.ErrorHandling.MaxRowErrors < 1 {
		return fmt.Errorf("max_row_errors must be at least 1")
	}

	if strings.TrimSpace(c.Detection.InvoiceKeyword) == "" {
		return fmt.Errorf("invoice_keyword must not be empty")
	}
	if c.Detection.SniffBytes < 4 {
		return fmt.Errorf("sniff_bytes must be at least 4")
	}

	return c.S3.Validate()
}

// ValidateTimeouts checks that every per-operation bound is sane
func (c *Config) ValidateTimeouts() error {
	bounds := []struct {
		name  string
		value time.Duration
	}{
		{"page_timeout", c.Timeouts.Page},
		{"download_timeout", c.Timeouts.Download},
		{"processing_timeout", c.Timeouts.MaxDocumentProcessing},
	}
	for _, b := range bounds {
		if b.value < time.Second || b.value > time.Hour {
			return fmt.Errorf("%s must be between 1s and 1h", b.name)
		}
	}

	if c.Timeouts.ExtraWait < 0 || c.Timeouts.DocumentsWait < 0 || c.Timeouts.Cooldown < 0 {
		return fmt.Errorf("wait durations must not be negative")
	}

	return nil
}

// ValidateCleaning checks the settings used by the retention cleaner
func (c *Config) ValidateCleaning() error {
	if c.DownloadBasePath == "" {
		return fmt.Errorf("download_path is required")
	}
	if c.Cleaning.KeepWeeks < 1 {
		return fmt.Errorf("keep_weeks must be at least 1")
	}
	return nil
}
