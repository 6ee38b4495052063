package handler

import (
	"net/http"

	"github.com/openclaw/gateway-go/internal/health"
)

type HealthHandler struct {
	cache *health.Cache
}

func NewHealthHandler(cache *health.Cache) *HealthHandler {
	return &HealthHandler{cache: cache}
}

// GET /health
//
// ?probe=1 re-probes channels instead of returning the cached snapshot.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var snap health.Snapshot
	if r.URL.Query().Get("probe") != "" {
		snap, _ = h.cache.Refresh(r.Context(), true)
	} else {
		snap = h.cache.Get(r.Context())
	}

	status := http.StatusOK
	if !snap.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}
