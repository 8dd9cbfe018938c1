// Package httpapi serves the per-service admin endpoints. Each service
// binds its own port and registers its own handler set; health and the
// shared response helpers live here.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	shutdownGrace      = 5 * time.Second
	healthProbeTimeout = 2 * time.Second
)

// routeRegistrar is implemented by the per-service handler sets.
type routeRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// HealthCheck probes one dependency. A nil return means reachable.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	probe HealthCheck
}

// Server is one admin listener: health plus whatever the service handler
// registers. An empty address disables the listener.
type Server struct {
	name       string
	addr       string
	routes     routeRegistrar
	checks     []namedCheck
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer builds the admin server for one service.
func NewServer(name, addr string, routes routeRegistrar) *Server {
	return &Server{name: name, addr: addr, routes: routes}
}

// AddHealthCheck registers a named dependency probe. Probes run on every
// /health request in registration order.
func (s *Server) AddHealthCheck(name string, probe HealthCheck) {
	s.checks = append(s.checks, namedCheck{name: name, probe: probe})
}

// BuildMux assembles the route set once: health plus the service routes.
// Built once so an extra listener (tsnet builds) can serve the same routes.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	s.routes.RegisterRoutes(mux)
	s.mux = mux
	return mux
}

// Start serves the admin API until ctx is canceled, then shuts down with a
// short grace period. With a blank address it just waits for cancellation.
func (s *Server) Start(ctx context.Context) error {
	if s.addr == "" {
		slog.Info("admin api disabled", "service", s.name)
		<-ctx.Done()
		return nil
	}
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.BuildMux()}

	slog.Info("admin api starting", "service", s.name, "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// handleHealth reports liveness plus the state of each registered
// dependency probe. Any failing probe degrades the response to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok", "service": s.name}
	code := http.StatusOK

	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()

		deps := make(map[string]string, len(s.checks))
		for _, c := range s.checks {
			if err := c.probe(ctx); err != nil {
				deps[c.name] = err.Error()
				resp["status"] = "degraded"
				code = http.StatusServiceUnavailable
			} else {
				deps[c.name] = "ok"
			}
		}
		resp["deps"] = deps
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// extractBearerToken pulls the token out of an Authorization header.
func extractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}
