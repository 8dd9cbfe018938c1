package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/ticket"
)

// TicketerService is the slice of the ticket manager the admin API exposes.
type TicketerService interface {
	Stats() ticket.Stats
	BreakerState() string
	PendingCount(ctx context.Context) (int64, error)
	CreateNow(ctx context.Context, req bus.TicketCreateRequest) (*ticket.CreatedTicket, error)
}

// TicketerHandler serves the ticket manager admin endpoints.
type TicketerHandler struct {
	svc   TicketerService
	token string
}

// NewTicketerHandler creates a handler for the ticket manager admin endpoints.
func NewTicketerHandler(svc TicketerService, token string) *TicketerHandler {
	return &TicketerHandler{svc: svc, token: token}
}

// RegisterRoutes registers the ticket manager admin routes on the given mux.
func (h *TicketerHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.auth(h.handleStatus))
	mux.HandleFunc("POST /tickets", h.auth(h.handleCreate))
}

func (h *TicketerHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if extractBearerToken(r) != h.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (h *TicketerHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.PendingCount(r.Context())
	if err != nil {
		slog.Error("admin.pending", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":   h.svc.Stats(),
		"breaker": h.svc.BreakerState(),
		"pending": pending,
	})
}

// handleCreate opens one ticket synchronously through the shared breaker.
// Unlike bus-driven creation it never falls back to the pending queue: the
// caller is present to retry.
func (h *TicketerHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req bus.TicketCreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if req.Subject == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subject is required"})
		return
	}
	if req.Reporter.Phone == "" && req.Reporter.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reporter phone or email is required"})
		return
	}

	created, err := h.svc.CreateNow(r.Context(), req)
	if err != nil {
		slog.Error("admin.tickets.create", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
