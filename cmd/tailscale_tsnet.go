//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/mesabot/internal/config"
)

// initTailscale serves the admin mux on a tailnet listener alongside the
// local one, so operators reach the services without exposing ports.
// Returns the cleanup func, or nil when Tailscale is not configured.
func initTailscale(ctx context.Context, cfg *config.Config, service string, mux http.Handler) func() {
	if cfg.Tailscale.Hostname == "" && cfg.Tailscale.AuthKey == "" {
		return nil
	}

	hostname := cfg.Tailscale.Hostname
	if hostname == "" {
		hostname = "mesabot-" + service
	}
	srv := &tsnet.Server{
		Hostname: hostname,
		AuthKey:  cfg.Tailscale.AuthKey,
		Dir:      cfg.Tailscale.StateDir,
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Warn("tailscale listener failed", "hostname", hostname, "error", err)
		srv.Close()
		return nil
	}
	slog.Info("admin api on tailnet", "service", service, "hostname", hostname)

	go func() {
		if err := http.Serve(ln, mux); err != nil {
			slog.Debug("tailscale serve ended", "error", err)
		}
	}()

	return func() {
		ln.Close()
		srv.Close()
	}
}
