package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rejourney/ingest-server-go/internal/model"
)

type DeviceRepository interface {
	FindByTokenHash(ctx context.Context, projectID, tokenHash string) (*model.Device, error)
	Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error)
	TouchLastSeen(ctx context.Context, id string) error
}

type deviceRepo struct {
	db sqlxDB
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) FindByTokenHash(ctx context.Context, projectID, tokenHash string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE project_id = $1 AND device_token_hash = $2
	`, projectID, tokenHash)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		INSERT INTO devices (project_id, device_token_hash, platform, model, app_version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, device_token_hash) DO UPDATE SET
			platform = COALESCE(EXCLUDED.platform, devices.platform),
			model = COALESCE(EXCLUDED.model, devices.model),
			app_version = COALESCE(EXCLUDED.app_version, devices.app_version),
			last_seen_at = NOW()
		RETURNING *
	`, params.ProjectID, params.DeviceTokenHash, params.Platform, params.Model, params.AppVersion)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepo) TouchLastSeen(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET last_seen_at = NOW() WHERE id = $1
	`, id)
	return err
}
