package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/httpapi"
	"github.com/nextlevelbuilder/mesabot/internal/ticket"
)

func ticketerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ticketer",
		Short: "Run the ticketer (helpdesk ticket creation with fallback queue)",
		Run: func(cmd *cobra.Command, args []string) {
			runTicketer()
		},
	}
}

func runTicketer() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	applyLogLevel(cfg.LogLevel)

	ctx, cancel := signalContext()
	defer cancel()

	stopTracing := startTracing(ctx, cfg, "ticketer")
	defer stopTracing()

	b, err := connectBus(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer b.Close()

	tokens := ticket.NewTokenManager(cfg.Helpdesk)
	if tokens.State().RefreshToken == "" {
		slog.Warn("no helpdesk credentials on disk, run `mesabot bootstrap` first",
			"token_path", cfg.Helpdesk.TokenPath)
	}
	client := ticket.NewClient(cfg.Helpdesk, tokens)

	contacts, err := ticket.OpenContactCache(cfg.Helpdesk.ContactsDB)
	if err != nil {
		slog.Warn("contact cache unavailable, resolving against the helpdesk only",
			"path", cfg.Helpdesk.ContactsDB, "error", err)
		contacts = nil
	} else {
		defer contacts.Close()
	}

	svc := ticket.NewService(b, client, contacts, cfg.Helpdesk, newRecorder("ticketer", cfg))

	admin := httpapi.NewServer("ticketer", cfg.Helpdesk.HTTPAddr,
		httpapi.NewTicketerHandler(svc, cfg.Gateway.AdminToken))
	admin.AddHealthCheck("bus", b.Ping)
	admin.AddHealthCheck("helpdesk", client.Ping)

	slog.Info("mesabot ticketer starting",
		"version", Version,
		"helpdesk", cfg.Helpdesk.BaseURL,
		"admin", cfg.Helpdesk.HTTPAddr,
	)

	tsCleanup := initTailscale(ctx, cfg, "ticketer", admin.BuildMux())
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
		slog.Error("ticketer error", "error", err)
		os.Exit(1)
	}
}
