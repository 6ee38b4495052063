package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/gateway-go/internal/errors"
	"github.com/openclaw/gateway-go/internal/sessions"
)

// PinSource lists session keys that maintenance must keep.
type PinSource interface {
	PinnedSessionKeys() []string
}

type SessionsHandler struct {
	store  *sessions.Store
	policy sessions.Policy
	pins   PinSource
}

// NewSessionsHandler accepts a nil pins when the bridge is disabled.
func NewSessionsHandler(store *sessions.Store, policy sessions.Policy, pins PinSource) *SessionsHandler {
	return &SessionsHandler{store: store, policy: policy, pins: pins}
}

func (h *SessionsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/maintenance", h.Maintain)
	r.Post("/maintenance", h.Maintain)

	return r
}

// GET /v1/sessions
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list sessions")
		writeError(w, apperrors.Store(err))
		return
	}

	page := ParsePage(r, MaxSessionPageSize)
	total := len(rows)
	rows = Slice(rows, page)

	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"sessions": rows,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// GET  /v1/sessions/maintenance?mode=dry-run|warn
// POST /v1/sessions/maintenance?mode=dry-run|warn|enforce
func (h *SessionsHandler) Maintain(w http.ResponseWriter, r *http.Request) {
	mode, err := sessions.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, apperrors.InvalidRequest(err.Error()))
		return
	}
	if mode == sessions.ModeEnforce && r.Method != http.MethodPost {
		writeError(w, apperrors.InvalidRequest("enforce mode requires POST"))
		return
	}

	var active []string
	if h.pins != nil {
		active = h.pins.PinnedSessionKeys()
	}

	report, err := h.store.Maintain(r.Context(), h.policy, sessions.Options{Mode: mode, ActiveKeys: active})
	if err != nil {
		log.Error().Err(err).Str("mode", string(mode)).Msg("session maintenance failed")
		writeError(w, apperrors.Store(err))
		return
	}

	writeJSON(w, http.StatusOK, report)
}
