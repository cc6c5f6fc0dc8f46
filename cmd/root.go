package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/s0up4200/mamlarr/config"
	"github.com/s0up4200/mamlarr/orchestrator"
	"github.com/s0up4200/mamlarr/store"
)

var (
	cfgFile  string
	cfg      *config.Config
	settings *config.Provider
	logger   zerolog.Logger

	version   = "dev"
	buildTime = "unknown"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mamlarr",
	Short: "Download and organize audiobooks from MyAnonamouse",
	Long: `mamlarr fetches audiobooks and ebooks from MyAnonamouse, hands them to
qBittorrent or Transmission, seeds them for the configured time and files the
finished downloads into an <author>/<title> library with embedded metadata.`,
	PersistentPreRunE: initializeApp,
	SilenceUsage:      true,
}

// SetVersion records build information injected at link time.
func SetVersion(v, built string) {
	version = v
	buildTime = built
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

// initializeApp loads the configuration and logger
func initializeApp(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger = setupLogger(cfg.Logging)
	settings = config.NewProvider(cfgFile, cfg, logger)
	return nil
}

// skipInit is used by commands that work without a configuration file.
func skipInit(cmd *cobra.Command, args []string) error {
	logger = setupLogger(config.LoggingConfig{Level: "info", Format: "console", Color: true})
	return nil
}

// setupLogger configures the zerolog logger
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    !cfg.Color || !isTerminal(os.Stderr),
	}

	return zerolog.New(output).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func openStore(ctx context.Context) (*store.DB, error) {
	db, err := store.OpenDB(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	return db, nil
}

func newManager(db *store.DB) *orchestrator.Manager {
	return orchestrator.New(orchestrator.Deps{
		Store:    db,
		Settings: settings,
		Logger:   logger,
	}, orchestrator.Config{
		FinalizeWorkers: cfg.PostProcess.FinalizeWorkers,
		FilterCacheSize: cfg.Monitor.FilterCacheSize,
	})
}
