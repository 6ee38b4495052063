package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/gateway-go/internal/database"
	"github.com/openclaw/gateway-go/internal/model"
)

type PairingEventRepository interface {
	Record(ctx context.Context, params model.CreatePairingEventParams) (*model.PairingEvent, error)
	FindLatestByDevice(ctx context.Context, deviceID string) (*model.PairingEvent, error)
	ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]model.PairingEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	WithTx(tx *sqlx.Tx) PairingEventRepository
}

type pairingEventRepo struct {
	db database.DBTX
}

func NewPairingEventRepository(db *sqlx.DB) PairingEventRepository {
	return &pairingEventRepo{db: db}
}

func (r *pairingEventRepo) WithTx(tx *sqlx.Tx) PairingEventRepository {
	return &pairingEventRepo{db: tx}
}

func (r *pairingEventRepo) Record(ctx context.Context, params model.CreatePairingEventParams) (*model.PairingEvent, error) {
	var event model.PairingEvent
	err := r.db.GetContext(ctx, &event, `
		INSERT INTO pairing_events (kind, request_id, device_id, platform, remote_ip, is_repair)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.Kind, params.RequestID, params.DeviceID, params.Platform, params.RemoteIP, params.IsRepair)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *pairingEventRepo) FindLatestByDevice(ctx context.Context, deviceID string) (*model.PairingEvent, error) {
	var event model.PairingEvent
	err := r.db.GetContext(ctx, &event, `
		SELECT * FROM pairing_events
		WHERE device_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, deviceID)
	return HandleNotFound(&event, err)
}

func (r *pairingEventRepo) ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]model.PairingEvent, error) {
	var events []model.PairingEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM pairing_events
		WHERE device_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, deviceID, limit, offset)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *pairingEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_events WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
