package models

import "time"

// DateRange is one closed calendar window processed by a run
type DateRange struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	FolderPath string    `json:"folderPath"`
}

// Contains reports whether t falls inside the range, bounds included
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// OrderCandidate is an order row found in the invoice list
type OrderCandidate struct {
	Date        string `json:"date"`
	OrderNumber string `json:"orderNumber"`
	RowIndex    int    `json:"rowIndex"` // 1-based position in the list table body
}

// RunStats is returned to the caller when a run ends
type RunStats struct {
	RunID              string    `json:"runId"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
	ProcessedOrders    int       `json:"processedOrders"`
	DownloadedInvoices int       `json:"downloadedInvoices"`
	Errors             int       `json:"errors"`
}

// Duration returns how long the run took, or zero while it is still running
func (s RunStats) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// DownloadResult describes a file persisted by a download strategy
type DownloadResult struct {
	Path                   string `json:"path"`
	SizeBytes              int64  `json:"sizeBytes"`
	IsValidPDF             bool   `json:"isValidPdf"`
	LooksLikeWrongDocument bool   `json:"looksLikeWrongDocument"`
	Pages                  int    `json:"pages,omitempty"`
	Strategy               string `json:"strategy,omitempty"`
}

// Verified reports whether the file counts as a downloaded invoice
func (r DownloadResult) Verified() bool {
	return r.IsValidPDF && !r.LooksLikeWrongDocument
}

// InvoiceRecord is a verified invoice as stored in the run history
type InvoiceRecord struct {
	RunID       string    `json:"runId"`
	OrderNumber string    `json:"orderNumber"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"sizeBytes"`
	Pages       int       `json:"pages"`
	Strategy    string    `json:"strategy"`
	ArchiveKey  string    `json:"archiveKey,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
