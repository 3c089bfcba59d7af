package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wxq19/sabr-wx/internal/app"
	"github.com/wxq19/sabr-wx/internal/config"
	"github.com/wxq19/sabr-wx/internal/logging"
)

var version = "dev"
var appName = "weather-collector"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "collector",
		Short: "Serial weather station collector",
		Long: `Reads lines from a serial weather station, parses temperature, humidity
and pressure, and keeps the latest sample in a JSON file for the dashboard.

Configuration comes from the environment (WEATHER_PORT is required).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCollector,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the collector until interrupted (default)",
			Args:  cobra.NoArgs,
			RunE:  runCollector,
		},
		newPortsCmd(),
		newShowCmd(),
	)
	return root
}

func runCollector(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "err", err)
		return err
	}

	slog.Info("shutting down")
	return nil
}
