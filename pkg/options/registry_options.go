package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RegistryOptions)(nil)

// RegistryOptions configures device liveness tracking.
type RegistryOptions struct {
	// HeartbeatTimeout is how long a device may stay silent before the
	// sweeper demotes it to Offline.
	HeartbeatTimeout time.Duration `json:"heartbeat-timeout" mapstructure:"heartbeat-timeout"`

	// SweepInterval is how often the sweeper scans the registry. It should
	// be smaller than HeartbeatTimeout so stale devices are noticed within
	// roughly one timeout period.
	SweepInterval time.Duration `json:"sweep-interval" mapstructure:"sweep-interval"`
}

// NewRegistryOptions creates RegistryOptions with default values.
func NewRegistryOptions() *RegistryOptions {
	return &RegistryOptions{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    15 * time.Second,
	}
}

// Validate checks the registry option values.
func (o *RegistryOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat timeout must be positive, got %v", o.HeartbeatTimeout))
	}
	if o.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %v", o.SweepInterval))
	}
	return errs
}

// AddFlags adds flags for RegistryOptions to the given FlagSet.
func (o *RegistryOptions) AddFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&o.HeartbeatTimeout, "registry.heartbeat-timeout", o.HeartbeatTimeout, "Silence period after which a device is considered offline.")
	fs.DurationVar(&o.SweepInterval, "registry.sweep-interval", o.SweepInterval, "Interval between liveness sweeps.")
}
