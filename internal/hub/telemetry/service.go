// Package telemetry ingests measurement readings published by devices,
// keeps a bounded in-memory window per device for the query API and feeds
// an archival pipeline for durable capture storage.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/internal/hub/registry"
	"github.com/afehub-io/afehub/internal/pkg/metrics"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
)

const dataQoS = 0

// readingPayload is the wire form a device publishes on its data topic.
// DeviceTime is the device's own clock and is advisory only; the hub stamps
// every reading with its arrival time.
type readingPayload struct {
	DeviceTime      *time.Time `json:"timestamp,omitempty"`
	MeasurementType string     `json:"measurementType"`
	Channel         int        `json:"channel"`
	Value           float64    `json:"value"`
	Unit            string     `json:"unit,omitempty"`
	Frequency       float64    `json:"frequency,omitempty"`
	Phase           float64    `json:"phase,omitempty"`
}

// Service is the reading ingest path.
type Service struct {
	buffer   *Buffer
	pipeline *CapturePipeline
	ingestor *registry.Ingestor
	topics   *topic.Builder
	logger   log.Logger
}

func NewService(buffer *Buffer, pipeline *CapturePipeline, ingestor *registry.Ingestor, topics *topic.Builder) *Service {
	return &Service{
		buffer:   buffer,
		pipeline: pipeline,
		ingestor: ingestor,
		topics:   topics,
		logger:   log.WithName("telemetry"),
	}
}

// Subscribe registers the data handler on the transport.
func (s *Service) Subscribe(ctx context.Context, client mqtt.Client) error {
	filter := s.topics.DataWildcard()
	if err := client.Subscribe(ctx, filter, dataQoS, s.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	s.logger.Info("Subscribed to data topic", "filter", filter)
	return nil
}

// Ingest records one reading for a device. A data message doubles as
// proof of life, so the liveness ingestor sees it as a heartbeat.
func (s *Service) Ingest(deviceID string, payload []byte) error {
	var wire readingPayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return fmt.Errorf("decode reading from %s: %w", deviceID, err)
	}

	reading := model.Reading{
		DeviceID:        deviceID,
		Timestamp:       time.Now(),
		MeasurementType: wire.MeasurementType,
		Channel:         wire.Channel,
		Value:           wire.Value,
		Unit:            wire.Unit,
		Frequency:       wire.Frequency,
		Phase:           wire.Phase,
		Raw:             json.RawMessage(payload),
	}
	if reading.MeasurementType == "" {
		reading.MeasurementType = "unknown"
	}

	if err := s.ingestor.Ingest(deviceID, wire.DeviceTime); err != nil {
		// A reading from an unregistered device is dropped; liveness and
		// telemetry share one admission policy.
		return fmt.Errorf("reading from %s: %w", deviceID, err)
	}

	s.buffer.Append(reading)
	s.pipeline.Push(reading)
	metrics.ReadingsIngestedTotal.Inc()
	return nil
}

// Query returns buffered readings for one device.
func (s *Service) Query(deviceID string, from, to time.Time, limit int) []model.Reading {
	return s.buffer.Query(deviceID, from, to, limit)
}

func (s *Service) handle(_ context.Context, topicName string, payload []byte) {
	deviceID, ok := s.topics.DeviceID(topicName)
	if !ok {
		s.logger.Warn("Dropping reading on unparsable topic", "topic", topicName)
		return
	}
	if err := s.Ingest(deviceID, payload); err != nil {
		s.logger.Warn("Dropping reading", "deviceID", deviceID, "error", err.Error())
	}
}
