package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/mesabot/internal/classify"
)

// ClassifierService is the slice of the classifier the admin API exposes.
type ClassifierService interface {
	Stats() classify.Stats
	ClassifyText(ctx context.Context, text string) classify.Classification
}

// ClassifierHandler serves the classifier admin endpoints.
type ClassifierHandler struct {
	svc   ClassifierService
	token string
}

// NewClassifierHandler creates a handler for the classifier admin endpoints.
func NewClassifierHandler(svc ClassifierService, token string) *ClassifierHandler {
	return &ClassifierHandler{svc: svc, token: token}
}

// RegisterRoutes registers the classifier admin routes on the given mux.
func (h *ClassifierHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.auth(h.handleStatus))
	mux.HandleFunc("POST /classify", h.auth(h.handleClassify))
}

func (h *ClassifierHandler) auth(next http.HandlerFunc) http.HandlerFunc {
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

func (h *ClassifierHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": h.svc.Stats()})
}

// handleClassify runs one synchronous consensus classification. It never
// touches the bus: purely diagnostic.
func (h *ClassifierHandler) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	writeJSON(w, http.StatusOK, h.svc.ClassifyText(r.Context(), req.Text))
}
