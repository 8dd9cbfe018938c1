package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/gateway"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

// GatewayService is the slice of the gateway the admin API exposes.
type GatewayService interface {
	Send(cmd bus.OutboundCommand) error
	ConnStatus() transport.Status
	InboundStats() gateway.InboundStats
	OutboundStats() gateway.DispatcherStats
	PublisherStats() bus.PublisherStats
	Session() *transport.SessionManager
	Templates() *gateway.TemplateStore
}

// GatewayHandler serves the gateway admin endpoints: status, manual sends
// and session management.
type GatewayHandler struct {
	svc   GatewayService
	token string
}

// NewGatewayHandler creates a handler for the gateway admin endpoints.
func NewGatewayHandler(svc GatewayService, token string) *GatewayHandler {
	return &GatewayHandler{svc: svc, token: token}
}

// RegisterRoutes registers the gateway admin routes on the given mux.
func (h *GatewayHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.auth(h.handleStatus))
	mux.HandleFunc("POST /send", h.auth(h.handleSend))

	// Session management
	mux.HandleFunc("GET /session", h.auth(h.handleSession))
	mux.HandleFunc("POST /session/backup", h.auth(h.handleSessionBackup))
	mux.HandleFunc("GET /session/backups", h.auth(h.handleSessionBackups))
	mux.HandleFunc("POST /session/restore", h.auth(h.handleSessionRestore))
}

func (h *GatewayHandler) auth(next http.HandlerFunc) http.HandlerFunc {
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

func (h *GatewayHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection": h.svc.ConnStatus(),
		"inbound":    h.svc.InboundStats(),
		"outbound":   h.svc.OutboundStats(),
		"publisher":  h.svc.PublisherStats(),
		"templates":  h.svc.Templates().Names(),
	})
}

func (h *GatewayHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var cmd bus.OutboundCommand
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if cmd.To == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to is required"})
		return
	}
	if cmd.Text == "" && cmd.Media == nil && cmd.Template == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text, media or template is required"})
		return
	}
	// Assign here rather than letting the dispatcher default it, so the
	// caller gets the id back for log correlation.
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	if err := h.svc.Send(cmd); err != nil {
		slog.Error("admin.send", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	// Delivery is asynchronous; the result lands on the notifications topic.
	writeJSON(w, http.StatusAccepted, map[string]string{"id": cmd.ID})
}

func (h *GatewayHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := h.svc.Session()
	verr := sess.Validate()
	info := map[string]interface{}{
		"path":   sess.Path(),
		"exists": sess.Exists(),
		"valid":  verr == nil,
	}
	if verr != nil {
		info["error"] = verr.Error()
	}
	if files, err := sess.Files(); err == nil {
		info["files"] = len(files)
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *GatewayHandler) handleSessionBackup(w http.ResponseWriter, r *http.Request) {
	name, err := h.svc.Session().Backup()
	if err != nil {
		slog.Error("admin.session.backup", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (h *GatewayHandler) handleSessionBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.svc.Session().Backups()
	if err != nil {
		slog.Error("admin.session.backups", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
}

func (h *GatewayHandler) handleSessionRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	if err := h.svc.Session().Restore(req.Name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
			return
		}
		slog.Error("admin.session.restore", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"restored": req.Name})
}
