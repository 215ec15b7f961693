package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/moodlens/internal/config"
	"github.com/andresmejia3/moodlens/internal/store"
	"github.com/andresmejia3/moodlens/internal/worker"
)

// Database needs are declared per command with this annotation.
const (
	annotationDB = "moodlens/db"
	dbRequired   = "required" // fail without a database
	dbOptional   = "optional" // use it when configured
)

var (
	// DB is the run history store shared by subcommands; nil when not configured.
	DB *store.Store
	// cfg is the resolved configuration of the running command.
	cfg config.Config
	// logger is built from cfg in PersistentPreRunE.
	logger = slog.Default()

	cfgFile string
	v       = config.NewViper()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "moodlens",
	Short:   "Continuous emotion aggregation over live video",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger = cfg.NewLogger(os.Stderr)
		slog.SetDefault(logger)

		switch cmd.Annotations[annotationDB] {
		case dbRequired:
			if cfg.DatabaseURL == "" {
				return errors.New("no database configured: pass --db, set MOODLENS_DB, or set POSTGRES_HOST")
			}
		case dbOptional:
			if cfg.DatabaseURL == "" {
				return nil
			}
		default:
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	// Runs even when the command failed; the main context may already be cancelled.
	if DB != nil {
		DB.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "Config file (yaml, json or toml)")
	f.String(config.KeyDB, "", "PostgreSQL connection string (default: built from POSTGRES_* env vars)")
	f.String(config.KeyLogLevel, "info", "Log level: debug, info, warn, error")
	f.String(config.KeyLogFormat, "text", "Log format: text or json")
	f.String(config.KeyClassifierCmd, strings.Join(worker.DefaultCommand, " "), "Classifier worker command")
	f.IntP(config.KeyEngines, "e", 1, "Number of classifier worker processes")
	f.Duration(config.KeyClassifierTimeout, 30*time.Second, "Max time to wait for one classifier response")
	f.Int(config.KeyMaxFrameDimension, 1280, "Downscale uploaded and streamed frames larger than this (0 disables)")
}
