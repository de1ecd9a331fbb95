package hub

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/afehub-io/afehub/internal/hub/dispatch"
	"github.com/afehub-io/afehub/internal/hub/registry"
	httpserver "github.com/afehub-io/afehub/internal/hub/server/http"
	mqttserver "github.com/afehub-io/afehub/internal/hub/server/mqtt"
	"github.com/afehub-io/afehub/internal/hub/telemetry"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
)

// runnable is the common lifecycle contract of every long-lived component:
// block until ctx ends, return the terminal error.
type runnable interface {
	Start(ctx context.Context) error
}

// HubServer is the fully wired engine.
type HubServer struct {
	config     *Config
	registry   *registry.Registry
	ingestor   *registry.Ingestor
	sweeper    *registry.Sweeper
	dispatcher *dispatch.Dispatcher
	router     *dispatch.Router
	pipeline   *telemetry.CapturePipeline
	telemetry  *telemetry.Service
	mqttClient mqtt.Client
	topics     *topic.Builder
	logger     log.Logger
}

// Run seeds the registry, then starts every component and blocks until one
// fails or ctx is cancelled.
func (s *HubServer) Run(ctx context.Context) error {
	if err := s.registry.Seed(ctx); err != nil {
		// A cold object store must not keep the engine down; devices
		// re-register and re-heartbeat on their own.
		s.logger.Error(err, "Registry seeding failed, starting empty")
	}

	ingress := mqttserver.NewServer(s.mqttClient, s.topics, s.ingestor, s.router, s.telemetry)
	api := httpserver.NewServer(s.config.HttpOptions,
		httpserver.NewHandlers(s.registry, s.ingestor, s.dispatcher, s.telemetry, s.mqttClient))

	components := []runnable{
		ingress,
		api,
		s.sweeper,
		s.dispatcher,
		s.pipeline,
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error {
			return c.Start(ctx)
		})
	}

	s.logger.Info("All components starting")
	err := g.Wait()
	s.logger.Info("Hub stopped")
	return err
}
