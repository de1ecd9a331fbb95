package core

import (
	"context"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core/model"
)

// DeviceStore persists device metadata across restarts. It is advisory:
// the in-memory registry is the authoritative runtime view and the store is
// only consulted for seeding at startup and written on registration and
// config changes, never on the heartbeat hot path.
type DeviceStore interface {
	// GetDevice retrieves a persisted device record. Returns ErrNotFound
	// if no record exists.
	GetDevice(ctx context.Context, id string) (*model.Device, error)

	// PutDevice writes or overwrites a device record.
	PutDevice(ctx context.Context, device *model.Device) error

	// ListDevices returns all persisted device records.
	ListDevices(ctx context.Context) ([]*model.Device, error)
}

// CaptureStore archives raw measurement payloads for later analysis.
type CaptureStore interface {
	// PutCapture stores one raw capture under the device and timestamp.
	PutCapture(ctx context.Context, deviceID string, at time.Time, payload []byte) error

	// PresignedCaptureURL returns a time-limited download URL for a
	// stored capture object.
	PresignedCaptureURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}
