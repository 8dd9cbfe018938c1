package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/mesabot/internal/alerts"
	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/tracing"
)

const busDialTimeout = 10 * time.Second

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()
	return ctx, cancel
}

// connectBus dials Redis with a bounded startup timeout.
func connectBus(ctx context.Context, cfg *config.Config) (*bus.Bus, error) {
	dialCtx, cancel := context.WithTimeout(ctx, busDialTimeout)
	defer cancel()
	return bus.Connect(dialCtx, bus.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// newRecorder wires the shared error recorder, with Telegram alerting when
// an ops chat is configured.
func newRecorder(service string, cfg *config.Config) *alerts.Recorder {
	var notifier alerts.Notifier
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChat != 0 {
		tg, err := alerts.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChat)
		if err != nil {
			slog.Warn("telegram alerts unavailable", "error", err)
		} else {
			notifier = tg
			slog.Info("telegram alerts enabled", "chat", cfg.Alerts.TelegramChat)
		}
	}
	return alerts.NewRecorder(service, notifier)
}

// startTracing initializes OTLP trace export and returns the flush func the
// runner defers. Tracing trouble never blocks startup.
func startTracing(ctx context.Context, cfg *config.Config, service string) func() {
	shutdown, err := tracing.Init(ctx, cfg.Telemetry, service, Version)
	if err != nil {
		slog.Warn("tracing init failed", "error", err)
		return func() {}
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			slog.Warn("tracing shutdown incomplete", "error", err)
		}
	}
}
