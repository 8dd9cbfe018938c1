package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/gateway"
	"github.com/nextlevelbuilder/mesabot/internal/httpapi"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the transport gateway (WhatsApp bridge to message bus)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	applyLogLevel(cfg.LogLevel)

	ctx, cancel := signalContext()
	defer cancel()

	stopTracing := startTracing(ctx, cfg, "gateway")
	defer stopTracing()

	b, err := connectBus(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer b.Close()

	svc, err := gateway.NewService(b, cfg.Gateway, cfg.Transport, newRecorder("gateway", cfg))
	if err != nil {
		slog.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	admin := httpapi.NewServer("gateway", cfg.Gateway.HTTPAddr,
		httpapi.NewGatewayHandler(svc, cfg.Gateway.AdminToken))
	admin.AddHealthCheck("bus", b.Ping)
	admin.AddHealthCheck("transport", func(context.Context) error {
		if st := svc.ConnStatus(); st.State != transport.StateConnected {
			return fmt.Errorf("bridge %s", st.State)
		}
		return nil
	})

	slog.Info("mesabot gateway starting",
		"version", Version,
		"bridge", cfg.Transport.BridgeURL,
		"admin", cfg.Gateway.HTTPAddr,
	)

	// Tailscale listener: build the mux first, then pass it to initTailscale
	// so the same routes are served on both listeners. Compiled via build
	// tags: `go build -tags tsnet` to enable.
	tsCleanup := initTailscale(ctx, cfg, "gateway", admin.BuildMux())
	if tsCleanup != nil {
		defer tsCleanup()
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(runCtx) })
	g.Go(func() error { return admin.Start(runCtx) })
	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
