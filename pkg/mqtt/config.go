package mqtt

import (
	"errors"
	"net/url"
	"time"
)

// ClientConfig holds the settings for creating a Client.
type ClientConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// KeepAlive in seconds. Default 60.
	KeepAlive uint16

	// ConnectTimeout for the initial connection. Default 5s.
	ConnectTimeout time.Duration

	// SessionExpiry is the MQTT v5 session expiry interval in seconds.
	SessionExpiry uint32

	// CleanStart controls whether the broker discards prior session state.
	// Hub-side clients usually set this true; device agents that want queued
	// commands after a reconnect set it false.
	CleanStart bool

	// InsecureSkipVerify disables TLS certificate verification. Development
	// brokers with self-signed certificates need this.
	InsecureSkipVerify bool

	// Optional last-will message, published by the broker if the client
	// drops without a clean disconnect.
	WillTopic   string
	WillPayload []byte
	WillQoS     byte
	WillRetain  bool
}

func setDefaultConfig(cfg *ClientConfig) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60
	}
}

// Validate checks that the configuration is usable.
func (c *ClientConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	if _, err := url.Parse(c.BrokerURL); err != nil {
		return err
	}
	return nil
}
