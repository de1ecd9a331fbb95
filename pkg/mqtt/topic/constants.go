package topic

// Standard MQTT wildcard definitions.
const (
	// Wildcard is the single-level wildcard "+". It matches exactly one
	// topic level: "devices/+/replies" matches "devices/afe-001/replies".
	Wildcard = "+"

	// MultiWildcard is the multi-level wildcard "#". It must be the last
	// character of a filter and matches all remaining levels.
	MultiWildcard = "#"
)
