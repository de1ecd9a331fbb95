package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core"
	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/pkg/log"
)

// CapturePipeline batches readings per device and flushes each batch to the
// capture store as one object. It protects the object store from one PUT
// per sample at high reporting rates.
type CapturePipeline struct {
	store core.CaptureStore

	// inputCh absorbs bursts; Push never blocks the MQTT ingest path.
	inputCh chan model.Reading

	// batches accumulates samples per device between flushes.
	batches map[string][]model.Reading

	flushInterval time.Duration
	maxBatch      int
	logger        log.Logger
}

// NewCapturePipeline creates a pipeline flushing to store. A nil store
// disables archival; Push becomes a no-op.
func NewCapturePipeline(store core.CaptureStore) *CapturePipeline {
	return &CapturePipeline{
		store:         store,
		inputCh:       make(chan model.Reading, 5000),
		batches:       make(map[string][]model.Reading),
		flushInterval: 10 * time.Second,
		maxBatch:      500,
		logger:        log.WithName("telemetry.pipeline"),
	}
}

// Push enqueues one reading without blocking. When the buffer is full the
// sample is dropped; the in-memory query buffer still has it, only the
// archive loses a frame.
func (p *CapturePipeline) Push(r model.Reading) {
	if p.store == nil {
		return
	}
	select {
	case p.inputCh <- r:
	default:
		p.logger.Warn("Capture pipeline full, dropping sample", "deviceID", r.DeviceID)
	}
}

// Start runs the batching worker until ctx ends, flushing remaining
// batches on shutdown.
func (p *CapturePipeline) Start(ctx context.Context) error {
	if p.store == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	p.logger.Info("Capture pipeline started", "flushInterval", p.flushInterval, "maxBatch", p.maxBatch)

	for {
		select {
		case r := <-p.inputCh:
			p.batches[r.DeviceID] = append(p.batches[r.DeviceID], r)
			if len(p.batches[r.DeviceID]) >= p.maxBatch {
				p.flushDevice(ctx, r.DeviceID)
			}

		case <-ticker.C:
			for id := range p.batches {
				p.flushDevice(ctx, id)
			}

		case <-ctx.Done():
			for id := range p.batches {
				p.flushDevice(context.Background(), id)
			}
			p.logger.Info("Capture pipeline stopped")
			return nil
		}
	}
}

// flushDevice writes one device's batch as a single JSON array object.
func (p *CapturePipeline) flushDevice(ctx context.Context, deviceID string) {
	batch := p.batches[deviceID]
	if len(batch) == 0 {
		return
	}
	delete(p.batches, deviceID)

	payload, err := json.Marshal(batch)
	if err != nil {
		p.logger.Error(err, "Failed to encode capture batch", "deviceID", deviceID)
		return
	}

	at := batch[len(batch)-1].Timestamp
	if err := p.store.PutCapture(ctx, deviceID, at, payload); err != nil {
		p.logger.Error(err, "Failed to archive capture batch",
			"deviceID", deviceID, "samples", len(batch))
		return
	}
	p.logger.Debug("Capture batch archived", "deviceID", deviceID, "samples", len(batch))
}
