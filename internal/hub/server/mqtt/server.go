// Package mqtt implements the hub's broker-facing ingress: heartbeat,
// reply and data subscriptions feeding the registry, the dispatcher and
// the telemetry service.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core"
	"github.com/afehub-io/afehub/internal/hub/dispatch"
	"github.com/afehub-io/afehub/internal/hub/registry"
	"github.com/afehub-io/afehub/internal/hub/telemetry"
	"github.com/afehub-io/afehub/pkg/log"
	pkgmqtt "github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
)

const heartbeatQoS = 1

// heartbeatPayload is the optional JSON body of a heartbeat message. An
// empty payload is a valid heartbeat; the device clock is advisory.
type heartbeatPayload struct {
	DeviceTime *time.Time `json:"timestamp,omitempty"`
}

// Server owns the ingress subscriptions.
type Server struct {
	client    pkgmqtt.Client
	topics    *topic.Builder
	ingestor  *registry.Ingestor
	router    *dispatch.Router
	telemetry *telemetry.Service
	logger    log.Logger
}

func NewServer(client pkgmqtt.Client, topics *topic.Builder, ing *registry.Ingestor, router *dispatch.Router, tel *telemetry.Service) *Server {
	return &Server{
		client:    client,
		topics:    topics,
		ingestor:  ing,
		router:    router,
		telemetry: tel,
		logger:    log.WithName("mqtt.ingress"),
	}
}

// Start connects to the broker, establishes the subscriptions and blocks
// until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return err
	}

	defer func() {
		s.logger.Info("Disconnecting MQTT client")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.client.Disconnect(shutdownCtx)
	}()

	s.logger.Info("Waiting for MQTT connection")
	if err := s.client.AwaitConnection(ctx); err != nil {
		return err
	}
	s.logger.Info("MQTT connected")

	if err := s.subscribe(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func (s *Server) subscribe(ctx context.Context) error {
	filter := s.topics.HeartbeatWildcard()
	if err := s.client.Subscribe(ctx, filter, heartbeatQoS, s.handleHeartbeat); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	s.logger.Info("Subscribed to heartbeat topic", "filter", filter)

	if err := s.router.Subscribe(ctx, s.client); err != nil {
		return err
	}
	return s.telemetry.Subscribe(ctx, s.client)
}

func (s *Server) handleHeartbeat(_ context.Context, topicName string, payload []byte) {
	deviceID, ok := s.topics.DeviceID(topicName)
	if !ok {
		s.logger.Warn("Dropping heartbeat on unparsable topic", "topic", topicName)
		return
	}

	var hb heartbeatPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hb); err != nil {
			s.logger.Warn("Heartbeat payload unreadable, treating as bare heartbeat",
				"deviceID", deviceID, "error", err.Error())
		}
	}

	if err := s.ingestor.Ingest(deviceID, hb.DeviceTime); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			// Unregistered devices heartbeat until someone registers them;
			// keep this quiet below warn level.
			s.logger.Debug("Heartbeat from unregistered device", "deviceID", deviceID)
			return
		}
		s.logger.Warn("Heartbeat rejected", "deviceID", deviceID, "error", err.Error())
	}
}
