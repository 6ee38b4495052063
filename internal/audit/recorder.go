package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/model"
)

const recordTimeout = 5 * time.Second

type EventRecorder interface {
	Record(ctx context.Context, params model.CreatePairingEventParams) (*model.PairingEvent, error)
}

// PairingRecorder logs pairing decisions and, when a repository is
// configured, persists them. It implements pairing.Notifier.
type PairingRecorder struct {
	repo EventRecorder
}

// NewPairingRecorder accepts a nil repo, in which case events are only
// logged.
func NewPairingRecorder(repo EventRecorder) *PairingRecorder {
	return &PairingRecorder{repo: repo}
}

func (r *PairingRecorder) PairingRequested(req model.PendingRequest, created bool) {
	if !created {
		return
	}
	Log(context.Background(), Event{
		Type:      EventPairingRequested,
		DeviceID:  req.DeviceID,
		RequestID: req.RequestID,
		IP:        req.RemoteIP,
		Details:   map[string]interface{}{"repair": req.IsRepair, "platform": req.Platform},
	})
	r.record(model.CreatePairingEventParams{
		Kind:      "requested",
		RequestID: req.RequestID,
		DeviceID:  req.DeviceID,
		Platform:  req.Platform,
		RemoteIP:  req.RemoteIP,
		IsRepair:  req.IsRepair,
	})
}

func (r *PairingRecorder) PairingApproved(device model.PairedDevice, requestID string) {
	Log(context.Background(), Event{
		Type:      EventPairingApproved,
		DeviceID:  device.DeviceID,
		RequestID: requestID,
		IP:        device.RemoteIP,
	})
	r.record(model.CreatePairingEventParams{
		Kind:      "approved",
		RequestID: requestID,
		DeviceID:  device.DeviceID,
		Platform:  device.Platform,
		RemoteIP:  device.RemoteIP,
	})
}

func (r *PairingRecorder) PairingRejected(result model.RejectResult) {
	Log(context.Background(), Event{
		Type:      EventPairingRejected,
		DeviceID:  result.DeviceID,
		RequestID: result.RequestID,
	})
	r.record(model.CreatePairingEventParams{
		Kind:      "rejected",
		RequestID: result.RequestID,
		DeviceID:  result.DeviceID,
	})
}

func (r *PairingRecorder) record(params model.CreatePairingEventParams) {
	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if _, err := r.repo.Record(ctx, params); err != nil {
		log.Error().Err(err).
			Str("kind", params.Kind).
			Str("deviceId", params.DeviceID).
			Msg("failed to record pairing event")
	}
}
