package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openclaw/console-server-go/internal/model"
)

type PairingEventRepository interface {
	FindByInstanceID(ctx context.Context, instanceID string, limit, offset int) ([]model.PairingEvent, error)
	Create(ctx context.Context, params model.CreatePairingEventParams) (*model.PairingEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type pairingEventRepo struct {
	db *sqlx.DB
}

func NewPairingEventRepository(db *sqlx.DB) PairingEventRepository {
	return &pairingEventRepo{db: db}
}

func (r *pairingEventRepo) FindByInstanceID(ctx context.Context, instanceID string, limit, offset int) ([]model.PairingEvent, error) {
	var events []model.PairingEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM pairing_events
		WHERE instance_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, instanceID, limit, offset)
	return events, err
}

func (r *pairingEventRepo) Create(ctx context.Context, params model.CreatePairingEventParams) (*model.PairingEvent, error) {
	var event model.PairingEvent
	err := r.db.GetContext(ctx, &event, `
		INSERT INTO pairing_events (id, session_id, instance_id, phase, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, uuid.NewString(), params.SessionID, params.InstanceID, params.Phase, params.Detail)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *pairingEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_events
		WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
