// Package simulator implements a software stand-in for an AFE measurement
// device: it heartbeats, streams synthetic impedance readings and answers
// commands over the same MQTT contract the firmware speaks. It exists for
// integration testing and demos against a hub without hardware.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
)

// Config tunes one simulated device.
type Config struct {
	DeviceID          string
	HeartbeatInterval time.Duration
	ReadingInterval   time.Duration
	Channels          int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.ReadingInterval <= 0 {
		out.ReadingInterval = 5 * time.Second
	}
	if out.Channels <= 0 {
		out.Channels = 4
	}
	return out
}

// Agent is one simulated device.
type Agent struct {
	cfg    Config
	client mqtt.Client
	topics *topic.Builder
	logger log.Logger

	mu           sync.Mutex
	samplingRate int
	excitation   float64
	calibrated   bool
}

// New creates an Agent speaking through client under the given topic root.
func New(cfg Config, client mqtt.Client, topics *topic.Builder) *Agent {
	full := cfg.withDefaults()
	return &Agent{
		cfg:          full,
		client:       client,
		topics:       topics,
		logger:       log.WithName("simulator").WithValues("deviceID", full.DeviceID),
		samplingRate: 100,
		excitation:   10000,
	}
}

// Run connects, subscribes to the device's command topic and drives the
// heartbeat and reading loops until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.client.Disconnect(shutdownCtx)
	}()

	if err := a.client.AwaitConnection(ctx); err != nil {
		return err
	}
	a.logger.Info("Simulated device connected")

	cmdTopic := a.topics.Commands(a.cfg.DeviceID)
	if err := a.client.Subscribe(ctx, cmdTopic, 1, a.handleCommand); err != nil {
		return fmt.Errorf("subscribe %s: %w", cmdTopic, err)
	}

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	readings := time.NewTicker(a.cfg.ReadingInterval)
	defer readings.Stop()

	a.sendHeartbeat(ctx)

	for {
		select {
		case <-heartbeat.C:
			a.sendHeartbeat(ctx)
		case <-readings.C:
			a.sendReadings(ctx)
		case <-ctx.Done():
			a.logger.Info("Simulated device shutting down")
			return nil
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	payload, _ := json.Marshal(map[string]time.Time{"timestamp": time.Now()})
	if err := a.client.Publish(ctx, a.topics.Heartbeat(a.cfg.DeviceID), 1, false, payload); err != nil {
		a.logger.Warn("Heartbeat publish failed", "error", err.Error())
	}
}

func (a *Agent) sendReadings(ctx context.Context) {
	for ch := 0; ch < a.cfg.Channels; ch++ {
		sample := a.synthesize(ch)
		payload, _ := json.Marshal(sample)
		if err := a.client.Publish(ctx, a.topics.Data(a.cfg.DeviceID), 0, false, payload); err != nil {
			a.logger.Warn("Reading publish failed", "channel", ch, "error", err.Error())
			return
		}
	}
}

// wireReading mirrors the data-topic payload contract.
type wireReading struct {
	Timestamp       time.Time `json:"timestamp"`
	MeasurementType string    `json:"measurementType"`
	Channel         int       `json:"channel"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit"`
	Frequency       float64   `json:"frequency"`
	Phase           float64   `json:"phase"`
}

// synthesize produces a plausible impedance sample: a per-channel baseline
// plus gaussian-ish noise, with phase drifting around a small negative
// value like a capacitive load.
func (a *Agent) synthesize(channel int) wireReading {
	a.mu.Lock()
	freq := a.excitation
	a.mu.Unlock()

	base := 500.0 + float64(channel)*120.0
	return wireReading{
		Timestamp:       time.Now(),
		MeasurementType: "impedance",
		Channel:         channel,
		Value:           base + rand.NormFloat64()*base*0.02,
		Unit:            "ohm",
		Frequency:       freq,
		Phase:           -8.0 + rand.NormFloat64()*1.5,
	}
}

func (a *Agent) handleCommand(ctx context.Context, _ string, payload []byte) {
	var req model.CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		a.logger.Warn("Ignoring malformed command", "error", err.Error())
		return
	}

	reply := a.execute(req)
	out, _ := json.Marshal(reply)
	if err := a.client.Publish(ctx, a.topics.Replies(a.cfg.DeviceID), 1, false, out); err != nil {
		a.logger.Warn("Reply publish failed", "correlationID", req.CorrelationID, "error", err.Error())
	}
}

// execute runs one command against the simulated AFE state.
func (a *Agent) execute(req model.CommandRequest) model.CommandReply {
	a.logger.Info("Executing command", "command", req.Command, "correlationID", req.CorrelationID)

	ok := func(result interface{}) model.CommandReply {
		raw, _ := json.Marshal(result)
		return model.CommandReply{
			CorrelationID: req.CorrelationID,
			Status:        model.ReplyStatusOK,
			Result:        raw,
		}
	}
	fail := func(msg string) model.CommandReply {
		return model.CommandReply{
			CorrelationID: req.CorrelationID,
			Status:        model.ReplyStatusError,
			Error:         msg,
		}
	}

	switch req.Command {
	case "ping":
		return ok(map[string]bool{"pong": true})

	case "read_impedance":
		var params struct {
			Channel int `json:"channel"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return fail("invalid params: " + err.Error())
			}
		}
		if params.Channel < 0 || params.Channel >= a.cfg.Channels {
			return fail(fmt.Sprintf("channel %d out of range [0,%d)", params.Channel, a.cfg.Channels))
		}
		return ok(a.synthesize(params.Channel))

	case "calibrate":
		a.mu.Lock()
		a.calibrated = true
		a.mu.Unlock()
		return ok(map[string]interface{}{"calibrated": true, "offset": rand.Float64() * 0.5})

	case "set_sampling_rate":
		var params struct {
			Rate int `json:"rate"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail("invalid params: " + err.Error())
		}
		if params.Rate < 1 || params.Rate > 100000 {
			return fail("rate must be in [1, 100000] Hz, got " + strconv.Itoa(params.Rate))
		}
		a.mu.Lock()
		a.samplingRate = params.Rate
		a.mu.Unlock()
		return ok(map[string]int{"rate": params.Rate})

	default:
		return fail("unsupported command: " + req.Command)
	}
}
