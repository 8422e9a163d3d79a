package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/engine"
	ctxlog "github.com/dshills/ctxengine/internal/log"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	flagConfig   string
	flagRoot     string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:           "ctxengine",
	Short:         "Index a project and retrieve budgeted context for coding assistants",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default <root>/"+config.FileName+")")
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", ".", "project root")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
}

func main() {
	// stdout is reserved for results and the MCP protocol
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig resolves the project root and configuration from the flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagRoot, flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

// openEngine loads configuration and builds the engine. watch may be nil to
// keep the configured setting.
func openEngine(ctx context.Context, watch *bool) (*engine.Engine, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := ctxlog.New("ctxengine", cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(ctx, cfg, engine.Options{Logger: logger, Watch: watch})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return e, logger, nil
}
