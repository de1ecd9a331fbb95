package registry

import (
	"context"
	"time"

	"github.com/afehub-io/afehub/pkg/log"
)

// Sweeper periodically demotes devices whose last heartbeat has aged past
// the timeout. It is the only writer of the Online -> Offline transition.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   log.Logger
}

// NewSweeper creates a sweeper over the given registry.
func NewSweeper(registry *Registry, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		logger:   log.WithName("sweeper"),
	}
}

// Start runs the sweep loop until ctx is cancelled. Each pass is atomic
// per device only; a pass interrupted by shutdown leaves every device in a
// consistent state.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting liveness sweeper", "interval", s.interval, "timeout", s.timeout)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.registry.Sweep(time.Now(), s.timeout); n > 0 {
				s.logger.Info("Sweep demoted stale devices", "count", n)
			}
		case <-ctx.Done():
			s.logger.Info("Stopping liveness sweeper")
			return nil
		}
	}
}
