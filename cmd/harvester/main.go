package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"invoice-harvester/internal/config"
	"invoice-harvester/internal/logging"
)

var (
	// Version is set at build time
	version = "dev"
	// BuildTime is set at build time
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "Invoice harvester for the e-urtica wholesale portal",
	Long: `harvester signs into the e-urtica portal with a real browser, walks the order list
week by week and saves every invoice PDF into one folder per date range.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Download invoices for the configured date ranges",
	RunE:  runHarvest,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete output folders older than the retention window",
	RunE:  runClean,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs from the history database",
	RunE:  runHistory,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check browser availability, configuration and archive access",
	RunE:  runCheck,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an HTTP endpoint that triggers runs and reports progress",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().String("settings", config.DefaultSettingsFile, "Path to settings.json")
	rootCmd.PersistentFlags().String("env-file", config.DefaultEnvFile, "Optional .env file loaded before the environment is read")
	config.RegisterFlags(rootCmd.PersistentFlags())

	cleanCmd.Flags().Bool("yes", false, "Delete without asking for confirmation")
	historyCmd.Flags().Int("limit", 10, "Number of runs to show")
	historyCmd.Flags().Bool("invoices", false, "List the invoices of every shown run")
	serveCmd.Flags().String("port", "", "Listen port (defaults to $PORT or 8080)")
}

// loadConfig resolves configuration for cmd and builds the logger
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	settings, _ := cmd.Flags().GetString("settings")
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, err := config.Load(config.LoadOptions{
		SettingsPath: settings,
		EnvFile:      envFile,
		Flags:        cmd.Flags(),
	})
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return cfg, logger, nil
}

// signalContext is cancelled on the first SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	rootCmd.AddCommand(runCmd, cleanCmd, historyCmd, checkCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
