package handler

import (
	"net/http"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string   `json:"status"`
	Languages []string `json:"languages"`
}

// HealthHandler reports liveness and the languages the service accepts.
type HealthHandler struct {
	languages []string
}

// NewHealthHandler creates a HealthHandler for the given language keys.
func NewHealthHandler(languages []string) *HealthHandler {
	return &HealthHandler{languages: languages}
}

// HandleHealth responds with {"status":"ok","languages":[...]}.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	langs := h.languages
	if langs == nil {
		langs = []string{}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Languages: langs})
}
