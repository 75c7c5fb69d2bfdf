// Command mevengine is the entry point for the MEV opportunity engine. It
// loads and validates configuration, sets up signal handling, and runs the
// configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/mevengine/internal/app"
	"github.com/alanyoungcy/mevengine/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (engine, api, dry-run)")
	flag.Parse()

	// Bootstrap logger until the configured one exists.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, closeLog := app.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("mev engine starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Int("chains", len(cfg.Chains)),
	)
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	runErr := application.Run(ctx)
	stop()
	application.Close()

	code := 0
	switch {
	case runErr == nil, errors.Is(runErr, context.Canceled):
		logger.Info("mev engine stopped")
	default:
		logger.Error("application exited with error", slog.String("error", runErr.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", runErr)
		code = 1
	}
	if err := closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "close log: %v\n", err)
	}
	os.Exit(code)
}
