// Package models defines typed errors for better error handling and context.
package models

import "fmt"

// EngineUnavailableError is returned before any navigation when no browser can be started
type EngineUnavailableError struct {
	Reason string
	Err    error
}

func (e *EngineUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("browser engine unavailable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("browser engine unavailable: %s", e.Reason)
}

func (e *EngineUnavailableError) Unwrap() error { return e.Err }

// LoginError represents a portal login that failed after all retries
type LoginError struct {
	User string
	Err  error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed for %s: %v", e.User, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// NavigationError represents a page transition that could not be completed
type NavigationError struct {
	Step string
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation failed at %s: %v", e.Step, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// TimeoutError represents a timeout error
type TimeoutError struct {
	Operation string
	Timeout   string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s after %s: %v", e.Operation, e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// DownloadError represents a failed attempt of one download strategy
type DownloadError struct {
	Strategy    string
	OrderNumber string
	Err         error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download via %s failed for order %s: %v", e.Strategy, e.OrderNumber, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// HTTPError represents an HTTP-related error
type HTTPError struct {
	StatusCode int
	URL        string
	Err        error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %v", e.StatusCode, e.URL, e.Err)
}

func (e *HTTPError) Unwrap() error { return e.Err }
