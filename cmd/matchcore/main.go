// Command matchcore runs one node of the matching cluster. Every node serves
// reads; the node holding the Redis lease also matches, and the others
// forward writes to it.
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

	"github.com/alanyoungcy/matchcore/internal/app"
	"github.com/alanyoungcy/matchcore/internal/config"
)

func main() {
	configPath := flag.String("config", "", "TOML config file; defaults and MATCHCORE_* env only when empty")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "matchcore: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %q: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	logger.Info("matchcore starting",
		slog.String("config", configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	err = application.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("matchcore stopped")
		return nil
	}
	if err != nil {
		logger.Error("matchcore exited", slog.String("error", err.Error()))
	}
	return err
}

// logLevel maps the validated log_level onto slog. Unknown values fall back to
// info.
func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
