package telemetry

import (
	"sync"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core/model"
)

// ringBuffer holds the most recent readings for one device. Old samples
// fall off the back once capacity is reached; durable history lives in the
// capture store, not here.
type ringBuffer struct {
	samples []model.Reading
	head    int
	full    bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{samples: make([]model.Reading, capacity)}
}

func (b *ringBuffer) append(r model.Reading) {
	b.samples[b.head] = r
	b.head = (b.head + 1) % len(b.samples)
	if b.head == 0 {
		b.full = true
	}
}

// snapshot returns the buffered readings oldest first.
func (b *ringBuffer) snapshot() []model.Reading {
	if !b.full {
		out := make([]model.Reading, b.head)
		copy(out, b.samples[:b.head])
		return out
	}
	out := make([]model.Reading, 0, len(b.samples))
	out = append(out, b.samples[b.head:]...)
	out = append(out, b.samples[:b.head]...)
	return out
}

// Buffer is the concurrent per-device reading store the query API reads
// from.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	devices  map[string]*ringBuffer
}

// NewBuffer creates a Buffer keeping up to capacity readings per device.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Buffer{
		capacity: capacity,
		devices:  make(map[string]*ringBuffer),
	}
}

// Append records one reading for its device.
func (b *Buffer) Append(r model.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.devices[r.DeviceID]
	if !ok {
		rb = newRingBuffer(b.capacity)
		b.devices[r.DeviceID] = rb
	}
	rb.append(r)
}

// Query returns buffered readings for a device, oldest first, filtered to
// the half-open window [from, to) when either bound is non-zero and capped
// at limit when limit > 0.
func (b *Buffer) Query(deviceID string, from, to time.Time, limit int) []model.Reading {
	b.mu.RLock()
	rb, ok := b.devices[deviceID]
	if !ok {
		b.mu.RUnlock()
		return nil
	}
	all := rb.snapshot()
	b.mu.RUnlock()

	out := make([]model.Reading, 0, len(all))
	for _, r := range all {
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !r.Timestamp.Before(to) {
			continue
		}
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		// Keep the newest samples when trimming.
		out = out[len(out)-limit:]
	}
	return out
}
