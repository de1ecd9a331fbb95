// Package options aggregates every flag group of the afehub server and
// handles config-file loading.
package options

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/afehub-io/afehub/internal/hub"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/options"
)

// HubOptions is the full option surface of the server binary. Flags win
// over config-file values, which win over defaults.
type HubOptions struct {
	ConfigFile string

	LogOptions      *log.Options
	HttpOptions     *options.HttpOptions
	MqttOptions     *options.MqttOptions
	S3Options       *options.S3Options
	RegistryOptions *options.RegistryOptions
	DispatchOptions *options.DispatchOptions
}

func NewHubOptions() *HubOptions {
	return &HubOptions{
		LogOptions:      log.NewOptions(),
		HttpOptions:     options.NewHttpOptions(),
		MqttOptions:     options.NewMqttOptions(),
		S3Options:       options.NewS3Options(),
		RegistryOptions: options.NewRegistryOptions(),
		DispatchOptions: options.NewDispatchOptions(),
	}
}

// AddFlags registers every option group on one flag set.
func (o *HubOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "Path to the afehub configuration file.")
	o.LogOptions.AddFlags(fs)
	o.HttpOptions.AddFlags(fs)
	o.MqttOptions.AddFlags(fs)
	o.S3Options.AddFlags(fs)
	o.RegistryOptions.AddFlags(fs)
	o.DispatchOptions.AddFlags(fs)
}

// Validate collects the errors of every option group.
func (o *HubOptions) Validate() []error {
	var errs []error
	for _, group := range []options.IOptions{
		o.HttpOptions,
		o.MqttOptions,
		o.S3Options,
		o.RegistryOptions,
		o.DispatchOptions,
	} {
		errs = append(errs, group.Validate()...)
	}
	errs = append(errs, o.LogOptions.Validate()...)
	return errs
}

// LoadFromFile merges config-file values into the options using v. The
// config keys mirror the dotted flag names (log.level, mqtt.broker, ...),
// and a flag set on the command line always beats the file.
func (o *HubOptions) LoadFromFile(v *viper.Viper, fs *pflag.FlagSet) error {
	if o.ConfigFile == "" {
		return nil
	}

	v.SetConfigFile(o.ConfigFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", o.ConfigFile, err)
	}

	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("apply config key %s: %w", f.Name, err)
		}
	})
	return firstErr
}

// Config builds the hub configuration from the validated options.
func (o *HubOptions) Config() (*hub.Config, error) {
	if errs := o.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid options: %v", errs)
	}
	return &hub.Config{
		HttpOptions:     o.HttpOptions,
		MqttOptions:     o.MqttOptions,
		S3Options:       o.S3Options,
		RegistryOptions: o.RegistryOptions,
		DispatchOptions: o.DispatchOptions,
	}, nil
}
