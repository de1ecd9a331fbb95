// Package app builds the afehub server command.
package app

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/afehub-io/afehub/cmd/afehub/app/options"
	"github.com/afehub-io/afehub/pkg/log"
)

const commandDesc = `The afehub server tracks the liveness of a fleet of measurement
devices over MQTT heartbeats, dispatches commands to them and correlates the
asynchronous replies, and collects their readings for query and archival.`

// NewHubCommand creates the root cobra command.
func NewHubCommand(ctx context.Context) *cobra.Command {
	opts := options.NewHubOptions()
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "afehub",
		Short:        "Launch the afehub device hub server",
		Long:         commandDesc,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.LoadFromFile(v, cmd.Flags()); err != nil {
				return err
			}

			log.Init(opts.LogOptions)
			watchLogLevel(v, opts.ConfigFile)

			cfg, err := opts.Config()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			server, err := cfg.NewHubServer()
			if err != nil {
				return fmt.Errorf("create hub server: %w", err)
			}

			return server.Run(ctx)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// watchLogLevel re-applies log.level when the config file changes on disk,
// so verbosity can be raised on a live server.
func watchLogLevel(v *viper.Viper, configFile string) {
	if configFile == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		level := v.GetString("log.level")
		if level == "" {
			return
		}
		log.Info("Config file changed, applying log level", "file", e.Name, "level", level)
		log.SetLevel(level)
	})
	v.WatchConfig()
}
