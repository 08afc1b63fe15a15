// Package history keeps a local SQLite ledger of harvest runs and the
// invoices they saved.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"invoice-harvester/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id              TEXT PRIMARY KEY,
	started_at          DATETIME NOT NULL,
	finished_at         DATETIME NOT NULL,
	processed_orders    INTEGER NOT NULL DEFAULT 0,
	downloaded_invoices INTEGER NOT NULL DEFAULT 0,
	errors              INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS invoices (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	order_number TEXT NOT NULL,
	path         TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	pages        INTEGER NOT NULL DEFAULT 0,
	strategy     TEXT NOT NULL,
	archive_key  TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_run ON invoices(run_id);
CREATE INDEX IF NOT EXISTS idx_invoices_order ON invoices(order_number);
`

// Run is one row of the runs table
type Run struct {
	models.RunStats
	ErrorMessage string
}

// Store wraps the history database
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the database at path and applies the schema
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	logger = logger.Named("history")
	logger.Debug("History database ready", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores a finished run together with its verified invoices in one
// transaction. runErr is the fatal error of the run, if any.
func (s *Store) RecordRun(ctx context.Context, stats models.RunStats, runErr error, invoices []models.InvoiceRecord) error {
	message := ""
	if runErr != nil {
		message = runErr.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			run_id, started_at, finished_at, processed_orders,
			downloaded_invoices, errors, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		stats.RunID,
		stats.StartedAt.UTC(),
		stats.FinishedAt.UTC(),
		stats.ProcessedOrders,
		stats.DownloadedInvoices,
		stats.Errors,
		message,
	)
	if err != nil {
		s.logger.Error("Failed to record run", zap.String("run_id", stats.RunID), zap.Error(err))
		return fmt.Errorf("failed to record run: %w", err)
	}

	for _, inv := range invoices {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invoices (
				run_id, order_number, path, size_bytes, pages,
				strategy, archive_key, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			stats.RunID,
			inv.OrderNumber,
			inv.Path,
			inv.SizeBytes,
			inv.Pages,
			inv.Strategy,
			inv.ArchiveKey,
			inv.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to record invoice %s: %w", inv.OrderNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, processed_orders,
			downloaded_invoices, errors, error_message
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.RunID,
			&r.StartedAt,
			&r.FinishedAt,
			&r.ProcessedOrders,
			&r.DownloadedInvoices,
			&r.Errors,
			&r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// Invoices returns the invoices saved by one run in insertion order
func (s *Store) Invoices(ctx context.Context, runID string) ([]models.InvoiceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, order_number, path, size_bytes, pages,
			strategy, archive_key, created_at
		FROM invoices
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var records []models.InvoiceRecord
	for rows.Next() {
		var rec models.InvoiceRecord
		if err := rows.Scan(
			&rec.RunID,
			&rec.OrderNumber,
			&rec.Path,
			&rec.SizeBytes,
			&rec.Pages,
			&rec.Strategy,
			&rec.ArchiveKey,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
