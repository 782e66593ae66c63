package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/deepscan/internal/config"
	"github.com/andresmejia3/deepscan/internal/logger"
	"github.com/andresmejia3/deepscan/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// DB is the global database connection shared by subcommands. Nil when no database is configured.
	DB *store.Store
	// Cfg is the resolved configuration (env, then --config file, then flags).
	Cfg *config.Config
	// Log is the process logger.
	Log *zap.Logger

	configPath string
	dbURL      string
	logLevel   string
)

// errNoDatabase is returned by commands that cannot run without persistence.
var errNoDatabase = errors.New("no database configured (use --db, DATABASE_URL or POSTGRES_HOST)")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "deepscan",
	Short:         "Deepfake detection for videos and images",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.DatabaseURL = dbURL
		}
		if logLevel != "" {
			Cfg.LogLevel = logLevel
		}
		if err := applyPipelineFlags(cmd, Cfg); err != nil {
			return err
		}
		if err := Cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		Log, err = logger.New(Cfg.LogLevel)
		if err != nil {
			return err
		}

		// Persistence is optional: only connect when something is configured
		dsn := Cfg.DatabaseDSN()
		if dsn == "" {
			Log.Debug("no database configured, verdicts will not be stored")
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Log != nil {
			_ = Log.Sync()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides environment)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: DATABASE_URL or POSTGRES_* env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: LOG_LEVEL or info)")
}
