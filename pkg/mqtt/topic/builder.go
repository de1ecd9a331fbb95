package topic

import "fmt"

// Topic suffixes shared between the hub and the device firmware. They are
// the wire contract: changing a value here breaks every deployed device.
const (
	// SuffixCommands carries downstream command requests (Hub -> Device).
	// Structure: {root}/{deviceID}/commands
	SuffixCommands = "commands"

	// SuffixReplies carries upstream command replies (Device -> Hub).
	// Structure: {root}/{deviceID}/replies
	SuffixReplies = "replies"

	// SuffixHeartbeat carries periodic liveness announcements (Device -> Hub).
	// Structure: {root}/{deviceID}/heartbeat
	SuffixHeartbeat = "heartbeat"

	// SuffixData carries measurement readings (Device -> Hub).
	// Structure: {root}/{deviceID}/data
	SuffixData = "data"
)

// Builder constructs topic strings for the device protocol so the layout
// lives in exactly one place.
type Builder struct {
	// root is the base namespace for all topics, normally "devices".
	root string
}

// NewBuilder returns a Builder rooted at the given namespace.
func NewBuilder(root string) *Builder {
	return &Builder{root: root}
}

// Commands returns the downstream command topic for one device.
func (b *Builder) Commands(deviceID string) string {
	return b.build(deviceID, SuffixCommands)
}

// Replies returns the upstream reply topic for one device.
func (b *Builder) Replies(deviceID string) string {
	return b.build(deviceID, SuffixReplies)
}

// RepliesWildcard returns the filter the hub subscribes to for all devices'
// replies: {root}/+/replies
func (b *Builder) RepliesWildcard() string {
	return b.build(Wildcard, SuffixReplies)
}

// Heartbeat returns the heartbeat topic for one device.
func (b *Builder) Heartbeat(deviceID string) string {
	return b.build(deviceID, SuffixHeartbeat)
}

// HeartbeatWildcard returns the filter for all devices' heartbeats.
func (b *Builder) HeartbeatWildcard() string {
	return b.build(Wildcard, SuffixHeartbeat)
}

// Data returns the measurement topic for one device.
func (b *Builder) Data(deviceID string) string {
	return b.build(deviceID, SuffixData)
}

// DataWildcard returns the filter for all devices' measurements.
func (b *Builder) DataWildcard() string {
	return b.build(Wildcard, SuffixData)
}

// DeviceID extracts the device identifier from a concrete topic produced by
// this builder. The second return is false if the topic does not follow the
// {root}/{deviceID}/{suffix} layout.
func (b *Builder) DeviceID(topic string) (string, bool) {
	prefix := b.root + "/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	rest := topic[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			if i == 0 || i == len(rest)-1 {
				return "", false
			}
			return rest[:i], true
		}
	}
	return "", false
}

// build assembles {root}/{deviceID}/{suffix}.
func (b *Builder) build(deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, deviceID, suffix)
}
