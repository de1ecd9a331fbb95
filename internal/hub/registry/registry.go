// Package registry holds the in-memory authoritative view of the device
// fleet: identity, configuration and liveness. Persistence through the
// device store is advisory; the registry never consults it on the
// heartbeat hot path.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/afehub-io/afehub/internal/hub/core"
	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/internal/pkg/metrics"
	fsmutil "github.com/afehub-io/afehub/internal/pkg/util/fsm"
	"github.com/afehub-io/afehub/pkg/log"
)

// Liveness events driving the per-device state machine.
const (
	// EventHeartbeat forces Online from any state.
	EventHeartbeat = "event_heartbeat"
	// EventStale demotes Online to Offline; fired only by the sweeper.
	EventStale = "event_stale"
)

// entry pairs one device with its liveness machine. All mutations of the
// pair go through mu, which gives the per-key atomicity the engine needs
// without serializing unrelated devices.
type entry struct {
	mu      sync.Mutex
	device  *model.Device
	machine *fsm.FSM
}

// Registry is the in-memory device table. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry

	// store is the optional advisory persistence collaborator. May be nil.
	store core.DeviceStore

	logger log.Logger
}

// New creates an empty registry. store may be nil when persistence is
// disabled.
func New(store core.DeviceStore) *Registry {
	return &Registry{
		devices: make(map[string]*entry),
		store:   store,
		logger:  log.WithName("registry"),
	}
}

// newLivenessMachine builds the per-device state machine. Heartbeats force
// Online from every state; only the sweeper moves Online to Offline. There
// is no way out of Unknown except a heartbeat.
func newLivenessMachine(initial model.LivenessState, dev *model.Device) *fsm.FSM {
	events := fsm.Events{
		{
			Name: EventHeartbeat,
			Src: []string{
				string(model.LivenessUnknown),
				string(model.LivenessOnline),
				string(model.LivenessOffline),
			},
			Dst: string(model.LivenessOnline),
		},
		{
			Name: EventStale,
			Src:  []string{string(model.LivenessOnline)},
			Dst:  string(model.LivenessOffline),
		},
	}

	callbacks := fsm.Callbacks{
		"enter_" + string(model.LivenessOnline): fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			dev.State = model.LivenessOnline
			metrics.DevicesOnline.Inc()
			return nil
		}),
		"enter_" + string(model.LivenessOffline): fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			dev.State = model.LivenessOffline
			metrics.DevicesOnline.Dec()
			return nil
		}),
	}

	return fsm.NewFSM(string(initial), events, callbacks)
}

// Register creates a device in the Unknown state. Fails with
// core.ErrAlreadyExists if the identifier is taken.
func (r *Registry) Register(ctx context.Context, id, name string, config map[string]string) (*model.Device, error) {
	if id == "" {
		return nil, fmt.Errorf("device id is required")
	}

	dev := &model.Device{
		ID:           id,
		Name:         name,
		State:        model.LivenessUnknown,
		Config:       config,
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.devices[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", id, core.ErrAlreadyExists)
	}
	r.devices[id] = &entry{
		device:  dev,
		machine: newLivenessMachine(model.LivenessUnknown, dev),
	}
	r.mu.Unlock()

	snapshot := dev.Clone()
	r.persist(ctx, snapshot)
	r.logger.Info("Device registered", "deviceID", id, "name", name)

	return snapshot, nil
}

// RecordHeartbeat records a liveness announcement and forces the device
// Online. Heartbeats must be monotonically non-decreasing per device; a
// stale timestamp fails with core.ErrOutOfOrder and leaves the device
// untouched.
func (r *Registry) RecordHeartbeat(id string, at time.Time) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prev := e.device.LastHeartbeat; prev != nil && at.Before(*prev) {
		return fmt.Errorf("heartbeat for %s at %s precedes %s: %w",
			id, at.Format(time.RFC3339Nano), prev.Format(time.RFC3339Nano), core.ErrOutOfOrder)
	}

	ts := at
	e.device.LastHeartbeat = &ts

	// Fire unconditionally: even if a sweep demoted the device a moment
	// ago, the heartbeat's effect must commit last.
	if err := e.machine.Event(context.Background(), EventHeartbeat); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return fmt.Errorf("heartbeat transition for %s: %w", id, err)
		}
		// Already Online; the timestamp refresh above is all we needed.
	}

	return nil
}

// UpdateConfig replaces the opaque configuration blob and persists it.
func (r *Registry) UpdateConfig(ctx context.Context, id string, config map[string]string) (*model.Device, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.device.Config = config
	dev := e.device.Clone()
	e.mu.Unlock()

	r.persist(ctx, dev)
	return dev, nil
}

// Get returns a copy of one device. Fails with core.ErrNotFound.
func (r *Registry) Get(id string) (*model.Device, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device.Clone(), nil
}

// List returns a restartable sequence over a point-in-time snapshot of the
// fleet, ordered by device ID. The snapshot is taken when List is called;
// iteration itself allocates nothing further and may be repeated.
func (r *Registry) List() iter.Seq[*model.Device] {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	snapshot := make([]*model.Device, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snapshot = append(snapshot, e.device.Clone())
		e.mu.Unlock()
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	return func(yield func(*model.Device) bool) {
		for _, d := range snapshot {
			if !yield(d) {
				return
			}
		}
	}
}

// Sweep demotes every Online device whose last heartbeat is older than
// timeout. Staleness is recomputed from the stored heartbeat under the
// device lock, so a heartbeat racing the sweep always wins regardless of
// interleaving. Returns the number of demotions.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) int {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	transitions := 0
	for _, e := range entries {
		e.mu.Lock()
		stale := e.machine.Current() == string(model.LivenessOnline) &&
			e.device.LastHeartbeat != nil &&
			now.Sub(*e.device.LastHeartbeat) > timeout
		if stale {
			if err := e.machine.Event(context.Background(), EventStale); err != nil {
				r.logger.Error(err, "Stale transition failed", "deviceID", e.device.ID)
			} else {
				transitions++
				r.logger.Info("Device went offline",
					"deviceID", e.device.ID,
					"lastHeartbeat", *e.device.LastHeartbeat)
			}
		}
		e.mu.Unlock()
	}

	if transitions > 0 {
		metrics.SweepTransitionsTotal.Add(float64(transitions))
	}
	return transitions
}

// Seed loads persisted device records into the registry at startup. Every
// seeded device starts in Unknown regardless of its persisted state:
// liveness must be re-proven by a fresh heartbeat.
func (r *Registry) Seed(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	records, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("seed registry: %w", err)
	}

	seeded := 0
	for _, rec := range records {
		dev := &model.Device{
			ID:           rec.ID,
			Name:         rec.Name,
			State:        model.LivenessUnknown,
			Config:       rec.Config,
			RegisteredAt: rec.RegisteredAt,
		}

		r.mu.Lock()
		if _, exists := r.devices[dev.ID]; !exists {
			r.devices[dev.ID] = &entry{
				device:  dev,
				machine: newLivenessMachine(model.LivenessUnknown, dev),
			}
			seeded++
		}
		r.mu.Unlock()
	}

	r.logger.Info("Registry seeded from device store", "devices", seeded)
	return nil
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, core.ErrNotFound)
	}
	return e, nil
}

// persist writes a device record to the advisory store. Failures are
// logged, never surfaced: the in-memory view stays authoritative.
func (r *Registry) persist(ctx context.Context, dev *model.Device) {
	if r.store == nil {
		return
	}
	if err := r.store.PutDevice(ctx, dev); err != nil {
		r.logger.Error(err, "Failed to persist device record", "deviceID", dev.ID)
	}
}
