package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wxq19/sabr-wx/internal/collector"
	"github.com/wxq19/sabr-wx/internal/config"
	"github.com/wxq19/sabr-wx/internal/httpapi"
	"github.com/wxq19/sabr-wx/internal/metrics"
	"github.com/wxq19/sabr-wx/internal/serial"
	"github.com/wxq19/sabr-wx/internal/store"
)

// Run collects samples until ctx is cancelled. It returns ctx.Err() on
// shutdown and an error only when the metrics listener fails.
func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"port", cfg.Port,
		"baud", cfg.BaudRate,
		"framing", string(cfg.Framing),
		"pollInterval", cfg.PollInterval,
		"out", cfg.OutPath,
		"metricsAddr", cfg.MetricsAddr,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	st := store.New(cfg.OutPath)

	open := func() (collector.Source, error) {
		port, err := serial.Open(serial.Config{
			Device:    cfg.Port,
			BaudRate:  cfg.BaudRate,
			Delimiter: cfg.Delimiter,
		})
		if err != nil {
			return nil, err
		}
		return port, nil
	}
	loop := collector.New(open, st, collector.Options{
		PollInterval:     cfg.PollInterval,
		ReadTimeout:      cfg.ReadTimeout,
		ReconnectBackoff: cfg.ReconnectBackoff,
		LogRawLines:      cfg.LogRawLines,
		Framing:          cfg.Framing,
		Metrics:          m,
		Logger:           slog.Default().With("port", cfg.Port),
	})

	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		mux := httpapi.NewMux(httpapi.MuxOptions{
			Latest:     st,
			Metrics:    m,
			StaleAfter: cfg.StaleAfter(),
		})
		srv = httpapi.NewServer(cfg.MetricsAddr, mux, slog.Default())
		go func() {
			slog.Info("http listening", "addr", cfg.MetricsAddr)
			errCh <- srv.ListenAndServe()
		}()
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-done:
	case err := <-errCh:
		// the listener only returns before Shutdown when it failed
		slog.Error("http server failed", "error", err)
		cancel()
		<-done
		return fmt.Errorf("metrics listener %s: %w", cfg.MetricsAddr, err)
	}

	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		slog.Info("http shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	slog.Info("collector stopped")
	return runErr
}
