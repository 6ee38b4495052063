package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/gateway-go/internal/errors"
	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/pairing"
)

// PairingHistory is the audit trail lookup. Optional.
type PairingHistory interface {
	ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]model.PairingEvent, error)
}

type PairingHandler struct {
	store   *pairing.Store
	history PairingHistory
}

func NewPairingHandler(store *pairing.Store, history PairingHistory) *PairingHandler {
	return &PairingHandler{store: store, history: history}
}

func (h *PairingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/{requestId}/approve", h.Approve)
	r.Post("/{requestId}/reject", h.Reject)
	r.Get("/devices/{deviceId}/events", h.History)

	return r
}

// GET /v1/pairing
func (h *PairingHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list pairing state")
		writeError(w, apperrors.Store(err))
		return
	}
	for i := range list.Paired {
		list.Paired[i] = list.Paired[i].Public()
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /v1/pairing/{requestId}/approve
func (h *PairingHandler) Approve(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")

	device, err := h.store.Approve(r.Context(), requestID)
	if err != nil {
		log.Error().Err(err).Str("requestId", requestID).Msg("failed to approve pairing")
		writeError(w, apperrors.Store(err))
		return
	}
	if device == nil {
		writeError(w, apperrors.NotFound("Pairing request"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": requestID,
		"device":    device.Public(),
	})
}

// POST /v1/pairing/{requestId}/reject
func (h *PairingHandler) Reject(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")

	result, err := h.store.Reject(r.Context(), requestID)
	if err != nil {
		log.Error().Err(err).Str("requestId", requestID).Msg("failed to reject pairing")
		writeError(w, apperrors.Store(err))
		return
	}
	if result == nil {
		writeError(w, apperrors.NotFound("Pairing request"))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /v1/pairing/devices/{deviceId}/events
func (h *PairingHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, apperrors.Unavailable("pairing audit database is not configured"))
		return
	}

	deviceID := chi.URLParam(r, "deviceId")
	page := ParsePage(r, MaxPairingEventPage)

	events, err := h.history.ListByDevice(r.Context(), deviceID, page.Limit, page.Offset)
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to list pairing events")
		writeError(w, apperrors.Store(err))
		return
	}
	if events == nil {
		events = []model.PairingEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": deviceID,
		"events":   events,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}
