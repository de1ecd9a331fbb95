package model

import (
	"encoding/json"
	"time"
)

// Reading is one measurement sample reported by a device's analog front
// end.
type Reading struct {
	DeviceID string `json:"deviceId"`

	// Timestamp is the server arrival time of the sample.
	Timestamp time.Time `json:"timestamp"`

	// MeasurementType names the quantity, e.g. "impedance" or "voltage".
	MeasurementType string `json:"measurementType"`

	// Channel is the AFE channel number the sample came from.
	Channel int `json:"channel"`

	Value float64 `json:"value"`
	Unit  string  `json:"unit"`

	// Frequency and Phase apply to impedance measurements.
	Frequency float64 `json:"frequency,omitempty"`
	Phase     float64 `json:"phase,omitempty"`

	// Raw preserves the original device payload for archival.
	Raw json.RawMessage `json:"raw,omitempty"`
}
