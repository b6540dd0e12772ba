package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/repository"
	"github.com/rejourney/ingest-server-go/internal/util"
)

type DeviceHints struct {
	Platform   *string
	Model      *string
	AppVersion *string
}

// DeviceResolver maps an already-validated device upload token to a device
// row. Resolution is best effort: failures are logged and the request goes
// on without a device.
type DeviceResolver struct {
	devices repository.DeviceRepository
}

func NewDeviceResolver(devices repository.DeviceRepository) *DeviceResolver {
	return &DeviceResolver{devices: devices}
}

// Resolve returns the device id for token, registering the device on first sight.
func (r *DeviceResolver) Resolve(ctx context.Context, projectID, token string, hints DeviceHints) *string {
	if token == "" || r.devices == nil {
		return nil
	}
	hash := util.HashToken(token)

	device, err := r.devices.FindByTokenHash(ctx, projectID, hash)
	if err != nil {
		log.Warn().Err(err).Str("projectId", projectID).Msg("device lookup failed")
		return nil
	}
	if device == nil {
		device, err = r.devices.Upsert(ctx, model.UpsertDeviceParams{
			ProjectID:       projectID,
			DeviceTokenHash: hash,
			Platform:        hints.Platform,
			Model:           hints.Model,
			AppVersion:      hints.AppVersion,
		})
		if err != nil {
			log.Warn().Err(err).Str("projectId", projectID).Msg("device registration failed")
			return nil
		}
	}
	return &device.ID
}

// Touch records device activity.
func (r *DeviceResolver) Touch(ctx context.Context, deviceID string) error {
	return r.devices.TouchLastSeen(ctx, deviceID)
}
