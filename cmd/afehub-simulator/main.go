// Command afehub-simulator runs one or more simulated AFE devices against
// a broker, for demos and end-to-end testing without hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/afehub-io/afehub/internal/simulator"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
	"github.com/afehub-io/afehub/pkg/options"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand(ctx context.Context) *cobra.Command {
	var (
		logOpts  = log.NewOptions()
		mqttOpts = options.NewMqttOptions()

		devicePrefix      string
		count             int
		channels          int
		heartbeatInterval time.Duration
		readingInterval   time.Duration
	)

	cmd := &cobra.Command{
		Use:          "afehub-simulator",
		Short:        "Run simulated AFE measurement devices",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(logOpts)
			if errs := mqttOpts.Validate(); len(errs) > 0 {
				return fmt.Errorf("invalid mqtt options: %v", errs)
			}

			topics := topic.NewBuilder(mqttOpts.TopicRoot)
			g, ctx := errgroup.WithContext(ctx)
			for i := 0; i < count; i++ {
				deviceID := fmt.Sprintf("%s%02d", devicePrefix, i+1)

				cfg := mqttOpts.ToClientConfig()
				cfg.ClientID = deviceID
				client, err := mqtt.NewClient(cfg)
				if err != nil {
					return fmt.Errorf("create client for %s: %w", deviceID, err)
				}

				agent := simulator.New(simulator.Config{
					DeviceID:          deviceID,
					HeartbeatInterval: heartbeatInterval,
					ReadingInterval:   readingInterval,
					Channels:          channels,
				}, client, topics)
				g.Go(func() error { return agent.Run(ctx) })
			}
			return g.Wait()
		},
	}

	fs := cmd.Flags()
	logOpts.AddFlags(fs)
	mqttOpts.AddFlags(fs)
	fs.StringVar(&devicePrefix, "device-prefix", "afe-sim-", "Prefix for generated device IDs.")
	fs.IntVar(&count, "count", 1, "Number of simulated devices to run.")
	fs.IntVar(&channels, "channels", 4, "AFE channels per simulated device.")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", 30*time.Second, "Interval between heartbeats.")
	fs.DurationVar(&readingInterval, "reading-interval", 5*time.Second, "Interval between reading bursts.")

	return cmd
}
