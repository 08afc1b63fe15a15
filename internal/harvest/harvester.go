// Package harvest coordinates a complete run: browser session, date ranges,
// order discovery and invoice downloads.
package harvest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"invoice-harvester/internal/browser"
	"invoice-harvester/internal/config"
	"invoice-harvester/internal/dedup"
	"invoice-harvester/internal/discovery"
	"invoice-harvester/internal/models"
	"invoice-harvester/internal/pdfcheck"
	"invoice-harvester/internal/planner"
	"invoice-harvester/internal/processor"
)

// Session is everything a run needs from the browser
type Session interface {
	processor.Driver
	discovery.TableSource
	Open(ctx context.Context) error
	Login(ctx context.Context, login, password string) error
	Screenshot(ctx context.Context, path string) error
	Close() error
}

// SessionFactory creates the single session of a run
type SessionFactory func(cfg *config.Config, logger *zap.Logger) Session

// EngineChecker reports whether a browser can be started at all
type EngineChecker interface {
	Available() bool
}

// Recorder persists the outcome of a run
type Recorder interface {
	RecordRun(ctx context.Context, stats models.RunStats, runErr error, invoices []models.InvoiceRecord) error
}

// Archiver copies a verified invoice to long-term storage and returns its key
type Archiver interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Harvester runs harvests for one configuration
type Harvester struct {
	cfg        *config.Config
	logger     *zap.Logger
	newSession SessionFactory
	engine     EngineChecker
	fetcher    processor.DocumentFetcher
	recorder   Recorder
	archiver   Archiver
	now        func() time.Time
	newRunID   func() string
}

// Option configures a Harvester
type Option func(*Harvester)

// WithSessionFactory replaces the chromedp session
func WithSessionFactory(f SessionFactory) Option {
	return func(h *Harvester) { h.newSession = f }
}

// WithEngineChecker replaces the browser binary lookup
func WithEngineChecker(c EngineChecker) Option {
	return func(h *Harvester) { h.engine = c }
}

// WithFetcher enables the cookie-authenticated HTTP download strategy
func WithFetcher(f processor.DocumentFetcher) Option {
	return func(h *Harvester) { h.fetcher = f }
}

// WithRecorder stores every finished run
func WithRecorder(r Recorder) Option {
	return func(h *Harvester) { h.recorder = r }
}

// WithArchiver uploads verified invoices after the run
func WithArchiver(a Archiver) Option {
	return func(h *Harvester) { h.archiver = a }
}

// WithClock overrides time.Now for run timestamps and the order budget
func WithClock(now func() time.Time) Option {
	return func(h *Harvester) { h.now = now }
}

// New creates a harvester
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Harvester {
	h := &Harvester{
		cfg:    cfg,
		logger: logger.Named("harvest"),
		newSession: func(cfg *config.Config, logger *zap.Logger) Session {
			return browser.NewSession(cfg, logger)
		},
		engine:   browser.NewEngineProbe(cfg.ChromePath),
		now:      time.Now,
		newRunID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// run is the mutable state of one Run call
type run struct {
	stats    models.RunStats
	invoices []models.InvoiceRecord
	logger   *zap.Logger
	sink     ProgressSink
}

// Run performs one harvest and blocks until it ends. Stats are always
// returned; the error is set only when the browser is unavailable or login
// fails. The session is closed before Run returns.
func (h *Harvester) Run(ctx context.Context, sink ProgressSink) (models.RunStats, error) {
	if sink == nil {
		sink = NopSink{}
	}

	r := &run{sink: sink}
	r.stats.RunID = h.newRunID()
	r.stats.StartedAt = h.now()
	r.logger = h.logger.With(zap.String("run_id", r.stats.RunID))

	err := h.execute(ctx, r)

	r.stats.FinishedAt = h.now()
	h.finish(context.WithoutCancel(ctx), r, err)
	return r.stats, err
}

// execute owns the session. Panics in the run body are contained here so the
// session is still closed.
func (h *Harvester) execute(ctx context.Context, r *run) (err error) {
	if !h.engine.Available() {
		r.stats.Errors++
		err = &models.EngineUnavailableError{Reason: "no Chrome or Chromium installation found"}
		r.logger.Error("Cannot start run", zap.Error(err))
		r.sink.Status("Browser not available")
		return err
	}

	session := h.newSession(h.cfg, r.logger)
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			r.logger.Warn("Failed to close browser session", zap.Error(closeErr))
		}
	}()

	defer func() {
		if p := recover(); p != nil {
			r.stats.Errors++
			r.logger.Error("Run aborted by unexpected failure",
				zap.Any("panic", p),
				zap.Stack("stack"))
			r.sink.Status(fmt.Sprintf("Run aborted: %v", p))
		}
	}()

	return h.body(ctx, session, r)
}

func (h *Harvester) body(ctx context.Context, session Session, r *run) error {
	r.sink.Status("Starting browser")
	if err := session.Open(ctx); err != nil {
		r.stats.Errors++
		r.logger.Error("Failed to start browser", zap.Error(err))
		r.sink.Status("Browser failed to start")
		return err
	}

	r.sink.Status("Logging in")
	if err := session.Login(ctx, h.cfg.Login, h.cfg.Password); err != nil {
		r.stats.Errors++
		r.logger.Error("Login failed, aborting run", zap.Error(err))
		r.sink.Status("Login failed")
		return err
	}
	r.sink.Progress(progressLoggedIn)

	ranges, err := planner.New(h.cfg.DownloadBasePath, r.logger, planner.WithClock(h.now)).Plan(h.cfg)
	if err != nil {
		r.stats.Errors++
		r.logger.Error("Failed to prepare output folders", zap.Error(err))
		return nil
	}

	procOpts := []processor.Option{processor.WithClock(h.now)}
	if h.fetcher != nil {
		procOpts = append(procOpts, processor.WithFetcher(h.fetcher))
	}
	proc := processor.New(
		session,
		pdfcheck.NewInspector(h.cfg.Detection, r.logger),
		dedup.NewSet(),
		processor.OptionsFromConfig(h.cfg),
		r.logger,
		procOpts...,
	)
	scanner := discovery.NewScanner(session, r.logger)

	for i, dr := range ranges {
		if ctx.Err() != nil {
			r.logger.Warn("Run cancelled", zap.Int("remaining_ranges", len(ranges)-i))
			return nil
		}

		r.sink.Status(fmt.Sprintf("Range %d/%d: %s", i+1, len(ranges), filepath.Base(dr.FolderPath)))
		h.harvestRange(ctx, session, scanner, proc, r, i, dr)
		r.sink.Progress(rangeProgress(i, len(ranges)))
	}

	if ctx.Err() != nil {
		r.logger.Warn("Run cancelled after the last range")
		return nil
	}

	r.sink.Progress(progressDone)
	r.sink.Status("Done")
	return nil
}

func (h *Harvester) harvestRange(ctx context.Context, session Session, scanner *discovery.Scanner, proc *processor.Processor, r *run, index int, dr models.DateRange) {
	logger := r.logger.With(zap.String("range", filepath.Base(dr.FolderPath)))
	logger.Info("Processing date range",
		zap.Time("start", dr.Start),
		zap.Time("end", dr.End))

	if !session.GoToInvoiceList(ctx) {
		r.stats.Errors++
		logger.Error("Invoice list unreachable, skipping range")
		return
	}

	shot := filepath.Join(h.cfg.DownloadBasePath, fmt.Sprintf("%s%d.png", config.ScreenshotPrefix, index+1))
	if err := session.Screenshot(ctx, shot); err != nil {
		logger.Warn("Failed to capture invoice list", zap.Error(err))
	}

	orders := scanner.Scan(ctx, dr)
	logger.Info("Orders found", zap.Int("count", len(orders)))

	for i, order := range orders {
		if ctx.Err() != nil {
			return
		}

		r.sink.Status(fmt.Sprintf("Order %d/%d: %s", i+1, len(orders), order.OrderNumber))
		out := proc.Process(ctx, order, dr)
		if out.Skipped {
			continue
		}
		if out.TransitionFailed {
			r.stats.Errors++
		}
		if out.Processed() {
			r.stats.ProcessedOrders++
		}
		r.stats.DownloadedInvoices += len(out.Downloads)

		for _, d := range out.Downloads {
			r.invoices = append(r.invoices, models.InvoiceRecord{
				RunID:       r.stats.RunID,
				OrderNumber: order.OrderNumber,
				Path:        d.Path,
				SizeBytes:   d.SizeBytes,
				Pages:       d.Pages,
				Strategy:    d.Strategy,
				CreatedAt:   h.now(),
			})
		}
	}
}

// finish logs the summary, archives the invoices and records the run.
// Failures here never change the run outcome.
func (h *Harvester) finish(ctx context.Context, r *run, runErr error) {
	if h.archiver != nil {
		h.guard(r, "archive invoices", func() { h.archive(ctx, r) })
	}
	if h.recorder != nil {
		h.guard(r, "record run history", func() {
			if err := h.recorder.RecordRun(ctx, r.stats, runErr, r.invoices); err != nil {
				r.logger.Warn("Failed to record run history", zap.Error(err))
			}
		})
	}

	r.logger.Info("Run summary",
		zap.Int("processed_orders", r.stats.ProcessedOrders),
		zap.Int("downloaded_invoices", r.stats.DownloadedInvoices),
		zap.Int("errors", r.stats.Errors),
		zap.Duration("duration", r.stats.Duration()))
}

func (h *Harvester) archive(ctx context.Context, r *run) {
	for i := range r.invoices {
		key, err := h.archiver.Upload(ctx, r.invoices[i].Path)
		if err != nil {
			r.logger.Warn("Failed to archive invoice",
				zap.String("path", r.invoices[i].Path),
				zap.Error(err))
			continue
		}
		r.invoices[i].ArchiveKey = key
	}
}

// guard runs a post-run step; a panic is counted and logged like one in the
// run body, and the remaining steps still run
func (h *Harvester) guard(r *run, step string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.stats.Errors++
			r.logger.Error("Post-run step failed unexpectedly",
				zap.String("step", step),
				zap.Any("panic", p),
				zap.Stack("stack"))
		}
	}()
	fn()
}
