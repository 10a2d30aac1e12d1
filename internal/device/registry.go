package device

import (
	"context"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/uuid"
)

// IDStore persists the device id.
type IDStore interface {
	DeviceID() (string, error)
	SetDeviceID(id string) error
}

// Registrar sends the device profile to the coordinator.
type Registrar interface {
	RegisterDevice(ctx context.Context, device *models.DeviceInfo) error
}

// Registry produces this installation's DeviceInfo and registers it.
type Registry struct {
	store     IDStore
	detector  EnvironmentDetector
	registrar Registrar
	now       func() time.Time
}

// NewRegistry creates a registry. detector defaults to RuntimeDetector.
func NewRegistry(store IDStore, detector EnvironmentDetector, registrar Registrar) *Registry {
	if detector == nil {
		detector = RuntimeDetector{}
	}
	return &Registry{
		store:     store,
		detector:  detector,
		registrar: registrar,
		now:       time.Now,
	}
}

// Identify returns the device profile. The id is read from the store, or
// generated and persisted on first use, so repeated calls agree.
func (r *Registry) Identify(ctx context.Context) (*models.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := r.store.DeviceID()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "read device id", err)
	}
	if id == "" {
		id, err = uuid.NewRandom()
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "generate device id", err)
		}
		if err := r.store.SetDeviceID(id); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "persist device id", err)
		}
		logging.Info("Generated device id", map[string]interface{}{
			"device_id": id,
		})
	}

	return &models.DeviceInfo{
		DeviceID:     id,
		Platform:     r.detector.Platform(),
		Capabilities: r.detector.Capabilities(),
		LastSeen:     r.now().UTC(),
		IsActive:     true,
	}, nil
}

// Register announces device to the coordinator. Any failure is returned as
// REGISTRATION_ERROR.
func (r *Registry) Register(ctx context.Context, device *models.DeviceInfo) error {
	if device == nil || device.DeviceID == "" {
		return errors.New(errors.ErrInvalid, "device id is required")
	}
	if r.registrar == nil {
		return errors.New(errors.ErrRegistration, "no coordinator configured")
	}

	if err := r.registrar.RegisterDevice(ctx, device); err != nil {
		return errors.Wrap(errors.ErrRegistration, "register device", err)
	}

	logging.Info("Device registered", map[string]interface{}{
		"device_id": device.DeviceID,
		"platform":  string(device.Platform),
	})
	return nil
}
