package registry

import (
	"errors"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core"
	"github.com/afehub-io/afehub/internal/pkg/metrics"
	"github.com/afehub-io/afehub/pkg/log"
)

// Ingestor is the thin adapter between heartbeat signals (HTTP or MQTT)
// and the registry. The server-observed arrival time is the ordering key;
// a device-reported timestamp is surfaced only as diagnostic metadata,
// which sidesteps device clock skew entirely.
type Ingestor struct {
	registry *Registry
	logger   log.Logger
}

// NewIngestor creates a heartbeat ingestor over the registry.
func NewIngestor(registry *Registry) *Ingestor {
	return &Ingestor{
		registry: registry,
		logger:   log.WithName("heartbeat"),
	}
}

// Ingest records one heartbeat for the device. deviceTime, when present,
// is logged for diagnostics but never used for ordering. Returns
// core.ErrNotFound for unregistered devices; out-of-order arrivals are
// absorbed here (logged, counted, nil error) since the server clock makes
// them a benign race rather than a client fault.
func (i *Ingestor) Ingest(deviceID string, deviceTime *time.Time) error {
	now := time.Now()

	err := i.registry.RecordHeartbeat(deviceID, now)
	switch {
	case err == nil:
		metrics.HeartbeatsTotal.WithLabelValues("accepted").Inc()
		if deviceTime != nil {
			skew := now.Sub(*deviceTime)
			i.logger.Debug("Heartbeat accepted", "deviceID", deviceID, "clockSkew", skew)
		} else {
			i.logger.Debug("Heartbeat accepted", "deviceID", deviceID)
		}
		return nil

	case errors.Is(err, core.ErrOutOfOrder):
		metrics.HeartbeatsTotal.WithLabelValues("out_of_order").Inc()
		i.logger.Warn("Dropped out-of-order heartbeat", "deviceID", deviceID)
		return nil

	case errors.Is(err, core.ErrNotFound):
		metrics.HeartbeatsTotal.WithLabelValues("unknown_device").Inc()
		i.logger.Warn("Heartbeat from unregistered device", "deviceID", deviceID)
		return err

	default:
		return err
	}
}
