package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/userfeed/internal/service"
)

// HealthHandler serves the root greeting and the readiness check.
type HealthHandler struct {
	stores service.StoreProvider
	logger *slog.Logger
}

func NewHealthHandler(stores service.StoreProvider, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{stores: stores, logger: logger}
}

// HandleHome answers GET / with a plain greeting.
func (h *HealthHandler) HandleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Hello from userfeed!"))
}

// HandleHealth reports 200 once the store is connected and answers a
// ping, 503 otherwise.
//
// HTTP: GET /healthz
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	store, err := h.stores.Store()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "connecting"})
		return
	}

	if err := store.Ping(r.Context()); err != nil {
		h.logger.Warn("health check ping failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unreachable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
