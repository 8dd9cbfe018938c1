package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/mesabot/internal/classify"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/httpapi"
)

func classifierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classifier",
		Short: "Run the classifier (threading plus dual-LLM consensus)",
		Run: func(cmd *cobra.Command, args []string) {
			runClassifier()
		},
	}
}

func runClassifier() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	applyLogLevel(cfg.LogLevel)

	if cfg.Classifier.Primary.APIKey == "" {
		slog.Warn("primary model has no API key, consensus degrades to keyword fallback")
	}
	if cfg.Classifier.Secondary.APIKey == "" {
		slog.Warn("secondary model has no API key, consensus degrades to keyword fallback")
	}

	ctx, cancel := signalContext()
	defer cancel()

	stopTracing := startTracing(ctx, cfg, "classifier")
	defer stopTracing()

	b, err := connectBus(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer b.Close()

	engine := classify.NewEngine(
		classify.NewAnthropicModel(cfg.Classifier.Primary),
		classify.NewOpenAIModel(cfg.Classifier.Secondary),
		cfg.Classifier.Timeout(),
	)
	svc := classify.NewService(b, engine, cfg.Classifier, newRecorder("classifier", cfg))

	admin := httpapi.NewServer("classifier", cfg.Classifier.HTTPAddr,
		httpapi.NewClassifierHandler(svc, cfg.Gateway.AdminToken))
	admin.AddHealthCheck("bus", b.Ping)

	slog.Info("mesabot classifier starting",
		"version", Version,
		"primary", cfg.Classifier.Primary.Model,
		"secondary", cfg.Classifier.Secondary.Model,
		"admin", cfg.Classifier.HTTPAddr,
	)

	tsCleanup := initTailscale(ctx, cfg, "classifier", admin.BuildMux())
	if tsCleanup != nil {
		defer tsCleanup()
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(runCtx) })
	g.Go(func() error { return admin.Start(runCtx) })
	err = g.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if derr := svc.Publisher().Close(drainCtx); derr != nil {
		slog.Warn("publisher drain incomplete", "error", derr)
	}

	if err != nil {
		slog.Error("classifier error", "error", err)
		os.Exit(1)
	}
}
