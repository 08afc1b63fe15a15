package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"invoice-harvester/internal/browser"
	"invoice-harvester/internal/config"
	"invoice-harvester/internal/harvest"
	"invoice-harvester/internal/history"
	"invoice-harvester/internal/retention"
	"invoice-harvester/internal/server"
	"invoice-harvester/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// newHarvester wires the optional history and archive into a harvester. The
// returned cleanup closes the history database.
func newHarvester(cfg *config.Config, logger *zap.Logger) (*harvest.Harvester, func(), error) {
	opts := []harvest.Option{harvest.WithFetcher(browser.NewHTTPClient(logger))}
	cleanup := func() {}

	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath, logger)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, harvest.WithRecorder(store))
		cleanup = func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close history database", zap.Error(err))
			}
		}
	}

	if cfg.S3.Enabled() {
		archive, err := storage.NewArchive(&cfg.S3, cfg.DownloadBasePath, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, harvest.WithArchiver(archive))
	}

	return harvest.New(cfg, logger, opts...), cleanup, nil
}

func runHarvest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", zap.Error(err))
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	h, cleanup, err := newHarvester(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("Starting harvest",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("scenario", cfg.ScenarioID),
		zap.String("download_path", cfg.DownloadBasePath))

	sink := harvest.SinkFuncs{
		OnProgress: func(p int) { logger.Info("Progress", zap.Int("percent", p)) },
		OnStatus:   func(s string) { logger.Debug(s) },
	}

	stats, err := h.Run(ctx, sink)
	if err != nil {
		return err
	}

	fmt.Printf("Processed orders: %d\nDownloaded invoices: %d\nErrors: %d\nDuration: %s\n",
		stats.ProcessedOrders, stats.DownloadedInvoices, stats.Errors, stats.Duration().Round(time.Second))

	if stats.Errors > 0 {
		cleanup()
		logger.Sync()
		os.Exit(2)
	}
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateCleaning(); err != nil {
		return err
	}

	yes, _ := cmd.Flags().GetBool("yes")
	var confirmer retention.Confirmer = retention.Prompt{In: os.Stdin, Out: os.Stdout}
	if yes {
		confirmer = retention.AutoConfirm
	}

	ctx, cancel := signalContext()
	defer cancel()

	stats, err := retention.New(cfg.DownloadBasePath, cfg.Cleaning.KeepWeeks, logger).Clean(ctx, confirmer)
	if err != nil {
		return err
	}

	fmt.Printf("Folders deleted: %d/%d\nFiles deleted: %d/%d\n",
		stats.FoldersDeleted, stats.FoldersToDelete, stats.FilesDeleted, stats.FilesToDelete)
	if stats.Failed > 0 {
		return fmt.Errorf("%d items could not be deleted", stats.Failed)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.HistoryPath == "" {
		return errors.New("history database not configured (use --history or HARVEST_HISTORY_PATH)")
	}

	store, err := history.Open(cfg.HistoryPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	withInvoices, _ := cmd.Flags().GetBool("invoices")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tORDERS\tINVOICES\tERRORS\tFAILURE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Duration().Round(time.Second),
			r.ProcessedOrders,
			r.DownloadedInvoices,
			r.Errors,
			r.ErrorMessage)

		if !withInvoices {
			continue
		}
		invoices, err := store.Invoices(ctx, r.RunID)
		if err != nil {
			return err
		}
		for _, inv := range invoices {
			fmt.Fprintf(w, "\t%s\t%s\t%d B\t%s\t%s\t\n", inv.OrderNumber, inv.Strategy, inv.SizeBytes, inv.Path, inv.ArchiveKey)
		}
	}
	return w.Flush()
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ok := true
	report := func(name string, err error) {
		if err != nil {
			ok = false
			fmt.Printf("✗ %s: %v\n", name, err)
			return
		}
		fmt.Printf("✓ %s\n", name)
	}

	path, err := browser.NewEngineProbe(cfg.ChromePath).Path()
	if err == nil {
		fmt.Printf("  browser: %s\n", path)
	}
	report("browser", err)
	report("configuration", cfg.Validate())

	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath, logger)
		if err == nil {
			store.Close()
		}
		report("history database", err)
	}

	if cfg.S3.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		archive, err := storage.NewArchive(&cfg.S3, cfg.DownloadBasePath, logger)
		if err == nil {
			err = archive.CheckConnection(ctx)
		}
		report("S3 archive", err)
	}

	if !ok {
		return errors.New("check failed")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", zap.Error(err))
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	h, cleanup, err := newHarvester(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	// runs stop with the process, not with the request that started them
	handler := server.NewHandler(func(context.Context) *harvest.Job {
		return harvest.Start(ctx, h)
	}, logger)

	port, _ := cmd.Flags().GetString("port")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	handler.Wait()
	return nil
}
