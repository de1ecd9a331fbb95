package model

import "time"

// LivenessState is the registry's belief about whether a device is
// currently reachable, derived from heartbeat recency.
type LivenessState string

const (
	// LivenessUnknown means the device is registered but has never
	// reported in.
	LivenessUnknown LivenessState = "Unknown"

	// LivenessOnline means a heartbeat arrived within the configured
	// timeout.
	LivenessOnline LivenessState = "Online"

	// LivenessOffline means the last heartbeat has aged past the timeout.
	LivenessOffline LivenessState = "Offline"
)

// Device is the core business entity for one measurement unit.
type Device struct {
	// ID is the unique device identifier, immutable after registration.
	ID string `json:"id"`

	// Name is a human-readable display name.
	Name string `json:"name"`

	// State is the current liveness state.
	State LivenessState `json:"state"`

	// LastHeartbeat is when the device last reported in. Nil until the
	// first heartbeat.
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`

	// Config is an opaque key/value blob set by administrators. The engine
	// stores and forwards it without interpreting it; devices read values
	// like samplingRate or channel setup from it.
	Config map[string]string `json:"config,omitempty"`

	// RegisteredAt is when the device was created in the registry.
	RegisteredAt time.Time `json:"registeredAt"`
}

// Clone returns a deep copy so callers can hold a Device without racing
// registry mutations.
func (d *Device) Clone() *Device {
	out := *d
	if d.LastHeartbeat != nil {
		ts := *d.LastHeartbeat
		out.LastHeartbeat = &ts
	}
	if d.Config != nil {
		out.Config = make(map[string]string, len(d.Config))
		for k, v := range d.Config {
			out.Config[k] = v
		}
	}
	return &out
}
