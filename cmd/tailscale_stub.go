//go:build !tsnet

package cmd

import (
	"context"
	"net/http"

	"github.com/nextlevelbuilder/mesabot/internal/config"
)

// initTailscale is a no-op unless built with `-tags tsnet`.
func initTailscale(ctx context.Context, cfg *config.Config, service string, mux http.Handler) func() {
	return nil
}
