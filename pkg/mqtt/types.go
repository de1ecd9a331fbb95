package mqtt

import (
	"context"
)

// MessageHandler is the callback invoked for every message delivered to a
// subscription. Handlers run on their own goroutine; they must not assume
// they are called from the network reader loop.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client abstracts the MQTT transport used by the hub and the device
// simulator. It hides the underlying paho implementation so the engine can
// be tested against an in-memory fake.
type Client interface {
	// Start initiates the connection to the broker. It is non-blocking and
	// returns immediately; use AwaitConnection to wait for readiness.
	Start(ctx context.Context) error

	// Disconnect cleanly closes the connection.
	Disconnect(ctx context.Context)

	// Publish sends a message to the given topic.
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe registers a handler for a topic filter (wildcards allowed).
	// The subscription is re-established automatically after a reconnect.
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error

	// Unsubscribe removes the handler and sends an UNSUBSCRIBE packet.
	Unsubscribe(ctx context.Context, topic string) error

	// AwaitConnection blocks until the client is connected or ctx ends.
	AwaitConnection(ctx context.Context) error

	// IsConnected reports the current broker connection state.
	IsConnected() bool
}
