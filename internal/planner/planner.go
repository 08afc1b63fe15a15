// Package planner computes the date windows a harvest run covers and prepares
// one output folder per window.
package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"invoice-harvester/internal/config"
	"invoice-harvester/internal/models"
)

// Planner produces the ordered list of date ranges for a run
type Planner struct {
	basePath string
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Planner
type Option func(*Planner)

// WithClock overrides the source of "today"
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// New creates a planner writing folders under basePath
func New(basePath string, logger *zap.Logger, opts ...Option) *Planner {
	p := &Planner{
		basePath: basePath,
		now:      time.Now,
		logger:   logger.Named("planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan computes the ranges for cfg and creates their folders
func (p *Planner) Plan(cfg *config.Config) ([]models.DateRange, error) {
	ranges := p.Compute(cfg)

	for _, r := range ranges {
		if err := os.MkdirAll(r.FolderPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create range folder %s: %w", r.FolderPath, err)
		}
	}

	return ranges, nil
}

// Compute returns the ranges without touching the filesystem. An explicit
// range wins; a range that fails to parse falls back to the weekly policy.
func (p *Planner) Compute(cfg *config.Config) []models.DateRange {
	if cfg.HasExplicitRange() {
		r, err := p.explicitRange(cfg.DateFrom, cfg.DateTo)
		if err == nil {
			p.logger.Info("Using explicit date range",
				zap.String("from", cfg.DateFrom),
				zap.String("to", cfg.DateTo))
			return []models.DateRange{r}
		}
		p.logger.Warn("Explicit date range rejected, falling back to weeks",
			zap.String("from", cfg.DateFrom),
			zap.String("to", cfg.DateTo),
			zap.Error(err))
	}

	weeks := cfg.WeeksToProcess
	if weeks < 1 {
		p.logger.Warn("weeks_to_process must be positive, using 1", zap.Int("weeks", weeks))
		weeks = 1
	}

	return p.weeklyRanges(weeks)
}

func (p *Planner) explicitRange(from, to string) (models.DateRange, error) {
	loc := p.now().Location()

	start, err := time.ParseInLocation(config.RangeFolderLayout, from, loc)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("invalid date_from: %w", err)
	}
	last, err := time.ParseInLocation(config.RangeFolderLayout, to, loc)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("invalid date_to: %w", err)
	}
	if last.Before(start) {
		return models.DateRange{}, fmt.Errorf("date_from %s is after date_to %s", from, to)
	}

	return p.newRange(start, last), nil
}

// weeklyRanges returns Sunday-Saturday weeks, most recent first
func (p *Planner) weeklyRanges(weeks int) []models.DateRange {
	today := startOfDay(p.now())
	ranges := make([]models.DateRange, 0, weeks)

	for offset := 0; offset < weeks; offset++ {
		day := today.AddDate(0, 0, -7*offset)
		sunday := day.AddDate(0, 0, -int(day.Weekday()))
		saturday := sunday.AddDate(0, 0, 6)
		ranges = append(ranges, p.newRange(sunday, saturday))
	}

	return ranges
}

func (p *Planner) newRange(firstDay, lastDay time.Time) models.DateRange {
	start := startOfDay(firstDay)
	end := endOfDay(lastDay)
	return models.DateRange{
		Start:      start,
		End:        end,
		FolderPath: filepath.Join(p.basePath, FolderName(start, end)),
	}
}

// FolderName is the deterministic folder name of a range
func FolderName(start, end time.Time) string {
	return start.Format(config.RangeFolderLayout) + config.RangeFolderSep + end.Format(config.RangeFolderLayout)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// endOfDay is the last microsecond of t's calendar day
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Microsecond), t.Location())
}
