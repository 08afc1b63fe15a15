// Package processor runs one order through the portal: open it, list its
// documents and download every invoice through the strategy chain.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"invoice-harvester/internal/config"
	"invoice-harvester/internal/dedup"
	"invoice-harvester/internal/models"
)

const emptyDocumentsRetryWait = 2 * time.Second

// ErrBudgetExceeded marks work cut short by the per-order time budget
var ErrBudgetExceeded = errors.New("order processing budget exceeded")

// ErrUnverified means a saved file is not a valid invoice PDF
var ErrUnverified = errors.New("download is not a verified invoice")

// Driver is the part of the browser session an order needs
type Driver interface {
	TryAction(ctx context.Context, description string, maxRetries int, action func(ctx context.Context) error) bool
	GoToInvoiceList(ctx context.Context) bool
	OpenOrderRow(ctx context.Context, row int) error
	OpenDocuments(ctx context.Context) error
	DocumentTableHTML(ctx context.Context) (string, error)
	DownloadFromRow(ctx context.Context, row int, dest string, timeout time.Duration) (string, error)
	ForceClickDownload(ctx context.Context, row int, dest string) (string, error)
	DownloadViaNewTab(ctx context.Context, row int, dest string, timeout time.Duration) (string, error)
	FindDocumentAPIURL(ctx context.Context) (string, error)
	FetchInPage(ctx context.Context, url string) ([]byte, error)
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	Wait(ctx context.Context, d time.Duration) bool
}

// DocumentFetcher downloads a document outside the browser
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, url string, cookies []*http.Cookie) ([]byte, error)
}

// Verifier checks a persisted file and flags misfires
type Verifier interface {
	Verify(path string) (models.DownloadResult, error)
}

// Options holds the per-order policy
type Options struct {
	MaxActionRetries int
	MaxRowErrors     int
	ProcessingBudget time.Duration
	DownloadTimeout  time.Duration
	ExtraWait        time.Duration
	DocumentsWait    time.Duration
	Cooldown         time.Duration
	InvoiceKeyword   string
}

// OptionsFromConfig extracts the processor policy from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxActionRetries: cfg.ErrorHandling.MaxActionRetries,
		MaxRowErrors:     cfg.ErrorHandling.MaxRowErrors,
		ProcessingBudget: cfg.Timeouts.MaxDocumentProcessing,
		DownloadTimeout:  cfg.Timeouts.Download,
		ExtraWait:        cfg.Timeouts.ExtraWait,
		DocumentsWait:    cfg.Timeouts.DocumentsWait,
		Cooldown:         cfg.Timeouts.Cooldown,
		InvoiceKeyword:   cfg.Detection.InvoiceKeyword,
	}
}

// Outcome summarizes one call to Process
type Outcome struct {
	OrderNumber      string
	Skipped          bool
	Trace            []OrderState
	Final            OrderState
	Downloads        []models.DownloadResult
	RowErrors        int
	TransitionFailed bool
	TimedOut         bool
}

// Processed reports whether at least one invoice was verified
func (o Outcome) Processed() bool {
	return len(o.Downloads) > 0
}

// Processor handles orders one at a time
type Processor struct {
	driver   Driver
	fetcher  DocumentFetcher
	verifier Verifier
	seen     *dedup.Set
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
	preview  *previewer
}

// Option configures a Processor
type Option func(*Processor)

// WithClock overrides the clock used by the budget gate
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithFetcher enables the HTTP fetch strategy
func WithFetcher(f DocumentFetcher) Option {
	return func(p *Processor) { p.fetcher = f }
}

// New creates a processor. seen is the run-scoped set of attempted orders.
func New(driver Driver, verifier Verifier, seen *dedup.Set, opts Options, logger *zap.Logger, options ...Option) *Processor {
	p := &Processor{
		driver:   driver,
		verifier: verifier,
		seen:     seen,
		opts:     opts,
		logger:   logger.Named("processor"),
		now:      time.Now,
		preview:  newPreviewer(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// orderRun carries the state of one order through Process
type orderRun struct {
	order   models.OrderCandidate
	target  models.DateRange
	started time.Time
	out     *Outcome
	logger  *zap.Logger
}

func (r *orderRun) enter(s OrderState) {
	r.out.Final = s
	r.out.Trace = append(r.out.Trace, s)
}

// Process runs one order. An order number already attempted in this run is
// skipped without touching the page; every other path ends back on the
// invoice list.
func (p *Processor) Process(ctx context.Context, order models.OrderCandidate, target models.DateRange) Outcome {
	out := Outcome{OrderNumber: order.OrderNumber, Final: NotStarted}
	logger := p.logger.With(zap.String("order", order.OrderNumber))

	if !p.seen.Mark(order.OrderNumber) {
		logger.Info("Order already processed in this run, skipping")
		out.Skipped = true
		return out
	}

	run := &orderRun{
		order:   order,
		target:  target,
		started: p.now(),
		out:     &out,
		logger:  logger,
	}
	run.enter(NotStarted)
	logger.Info("Processing order", zap.String("date", order.Date), zap.Int("row", order.RowIndex))

	p.runOrder(ctx, run)

	if out.TimedOut || out.RowErrors >= p.opts.MaxRowErrors {
		p.driver.Wait(ctx, p.opts.Cooldown)
	}

	if !p.driver.GoToInvoiceList(ctx) {
		logger.Warn("Could not return to the invoice list")
	}
	run.enter(Returned)

	logger.Info("Order finished",
		zap.Int("invoices", len(out.Downloads)),
		zap.Int("row_errors", out.RowErrors),
		zap.Bool("timed_out", out.TimedOut),
		zap.Duration("elapsed", p.now().Sub(run.started)))
	return out
}

func (p *Processor) runOrder(ctx context.Context, run *orderRun) {
	order := run.order

	opened := p.driver.TryAction(ctx, fmt.Sprintf("open order %s", order.OrderNumber), p.opts.MaxActionRetries,
		func(ctx context.Context) error { return p.driver.OpenOrderRow(ctx, order.RowIndex) })
	if !opened {
		run.logger.Warn("Failed to open order row")
		run.out.TransitionFailed = true
		return
	}
	if p.overBudget(run) {
		return
	}
	run.enter(RowOpened)

	p.driver.Wait(ctx, p.opts.ExtraWait)

	documents := p.driver.TryAction(ctx, fmt.Sprintf("open documents of %s", order.OrderNumber), p.opts.MaxActionRetries,
		p.driver.OpenDocuments)
	if !documents {
		run.logger.Warn("Failed to open documents")
		run.out.TransitionFailed = true
		return
	}
	if p.overBudget(run) {
		return
	}
	run.enter(DocumentsOpened)

	p.driver.Wait(ctx, p.opts.DocumentsWait)
	rows := p.listDocuments(ctx, run)
	if len(rows) == 0 {
		run.logger.Warn("Order has no documents")
		return
	}
	if p.overBudget(run) {
		return
	}
	run.enter(DocumentsListed)

	if p.scanDocuments(ctx, run, rows) {
		run.enter(DocumentsScanned)
	}
}

// listDocuments reads the documents table, waiting once more when it is empty
func (p *Processor) listDocuments(ctx context.Context, run *orderRun) []documentRow {
	rows, err := p.readDocuments(ctx)
	if err == nil && len(rows) > 0 {
		return rows
	}

	run.logger.Debug("No documents yet, waiting", zap.Error(err))
	p.driver.Wait(ctx, emptyDocumentsRetryWait)

	rows, err = p.readDocuments(ctx)
	if err != nil {
		run.logger.Warn("Failed to read documents table", zap.Error(err))
		return nil
	}
	return rows
}

func (p *Processor) readDocuments(ctx context.Context) ([]documentRow, error) {
	html, err := p.driver.DocumentTableHTML(ctx)
	if err != nil {
		return nil, err
	}
	return parseDocumentRows(html)
}

// scanDocuments downloads every invoice row. It returns false when the scan
// was cut short by the time budget.
func (p *Processor) scanDocuments(ctx context.Context, run *orderRun, rows []documentRow) bool {
	run.logger.Info("Scanning documents", zap.Int("rows", len(rows)))
	invoices := 0

	for _, row := range rows {
		if p.overBudget(run) {
			run.logger.Warn("Budget exceeded while scanning documents",
				zap.Int("row", row.Index),
				zap.Int("rows", len(rows)))
			return false
		}

		run.logger.Debug("Document row",
			zap.Int("row", row.Index),
			zap.String("preview", p.preview.preview(row.HTML)))

		if !isInvoice(row.Text, p.opts.InvoiceKeyword) {
			continue
		}
		invoices++

		dest := filepath.Join(run.target.FolderPath, InvoiceFileName(run.order.OrderNumber, invoices))
		result, err := p.downloadInvoice(ctx, run, row.Index, dest)
		if errors.Is(err, ErrBudgetExceeded) {
			run.out.TimedOut = true
			return false
		}
		if err != nil {
			run.out.RowErrors++
			run.logger.Warn("Invoice download failed",
				zap.Int("row", row.Index),
				zap.Int("row_errors", run.out.RowErrors),
				zap.Error(err))

			if run.out.RowErrors >= p.opts.MaxRowErrors {
				run.logger.Warn("Too many row errors, abandoning remaining documents",
					zap.Int("max", p.opts.MaxRowErrors))
				return true
			}
			continue
		}

		run.out.Downloads = append(run.out.Downloads, result)
		run.logger.Info("Invoice saved",
			zap.String("file", result.Path),
			zap.String("strategy", result.Strategy),
			zap.Int64("bytes", result.SizeBytes),
			zap.Int("pages", result.Pages))
	}

	return true
}

// overBudget is the budget checkpoint; crossing it marks the order timed out
func (p *Processor) overBudget(run *orderRun) bool {
	if p.opts.ProcessingBudget <= 0 {
		return false
	}
	elapsed := p.now().Sub(run.started)
	if elapsed <= p.opts.ProcessingBudget {
		return false
	}
	if !run.out.TimedOut {
		run.logger.Warn("Order processing budget exceeded",
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", p.opts.ProcessingBudget))
	}
	run.out.TimedOut = true
	return true
}

// remaining returns what is left of the order's budget
func (p *Processor) remaining(run *orderRun) time.Duration {
	if p.opts.ProcessingBudget <= 0 {
		return 0
	}
	return p.opts.ProcessingBudget - p.now().Sub(run.started)
}
