// Package hub assembles the device state and command correlation engine:
// the registry, the sweeper, the dispatcher, the telemetry path and the
// ingress servers, wired from one Config.
package hub

import (
	"fmt"
	"os"

	"github.com/afehub-io/afehub/internal/hub/core"
	"github.com/afehub-io/afehub/internal/hub/dispatch"
	"github.com/afehub-io/afehub/internal/hub/registry"
	"github.com/afehub-io/afehub/internal/hub/storage"
	"github.com/afehub-io/afehub/internal/hub/telemetry"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
	"github.com/afehub-io/afehub/pkg/options"
)

// Config carries every option group the hub needs.
type Config struct {
	HttpOptions     *options.HttpOptions
	MqttOptions     *options.MqttOptions
	S3Options       *options.S3Options
	RegistryOptions *options.RegistryOptions
	DispatchOptions *options.DispatchOptions
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		HttpOptions:     options.NewHttpOptions(),
		MqttOptions:     options.NewMqttOptions(),
		S3Options:       options.NewS3Options(),
		RegistryOptions: options.NewRegistryOptions(),
		DispatchOptions: options.NewDispatchOptions(),
	}
}

// NewHubServer wires the whole engine from config.
func (cfg *Config) NewHubServer() (*HubServer, error) {
	// Secondary adapters first: the object store backing the device and
	// capture ports. Both stay nil when the store is disabled; the engine
	// runs memory-only.
	var (
		deviceStore  core.DeviceStore
		captureStore core.CaptureStore
	)
	if cfg.S3Options.Enabled {
		s3, err := storage.NewMinIO(cfg.S3Options)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
		deviceStore = s3
		captureStore = s3
	}

	mqttClient, err := initMQTTClient(cfg.MqttOptions)
	if err != nil {
		return nil, fmt.Errorf("init mqtt client: %w", err)
	}
	topics := topic.NewBuilder(cfg.MqttOptions.TopicRoot)

	// Core engine.
	reg := registry.New(deviceStore)
	ingestor := registry.NewIngestor(reg)
	sweeper := registry.NewSweeper(reg, cfg.RegistryOptions.SweepInterval, cfg.RegistryOptions.HeartbeatTimeout)

	dispatcher := dispatch.New(mqttClient, topics, reg, &dispatch.Options{
		DefaultTimeout: cfg.DispatchOptions.DefaultTimeout,
		MaxTimeout:     cfg.DispatchOptions.MaxTimeout,
		RetentionGrace: cfg.DispatchOptions.RetentionGrace,
	})
	router := dispatch.NewRouter(dispatcher, topics)

	pipeline := telemetry.NewCapturePipeline(captureStore)
	tel := telemetry.NewService(telemetry.NewBuffer(0), pipeline, ingestor, topics)

	return &HubServer{
		config:     cfg,
		registry:   reg,
		ingestor:   ingestor,
		sweeper:    sweeper,
		dispatcher: dispatcher,
		router:     router,
		pipeline:   pipeline,
		telemetry:  tel,
		mqttClient: mqttClient,
		topics:     topics,
		logger:     log.WithName("hub"),
	}, nil
}

func initMQTTClient(opts *options.MqttOptions) (mqtt.Client, error) {
	cfg := opts.ToClientConfig()
	if cfg.ClientID == "" {
		hostname, _ := os.Hostname()
		cfg.ClientID = fmt.Sprintf("afehub-%s", hostname)
	}
	return mqtt.NewClient(cfg)
}
