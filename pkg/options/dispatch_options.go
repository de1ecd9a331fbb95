package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DispatchOptions)(nil)

// DispatchOptions configures the command dispatcher.
type DispatchOptions struct {
	// DefaultTimeout applies when a caller does not specify one.
	DefaultTimeout time.Duration `json:"default-timeout" mapstructure:"default-timeout"`

	// MaxTimeout caps caller-supplied timeouts so a bad client cannot park
	// pending commands for hours.
	MaxTimeout time.Duration `json:"max-timeout" mapstructure:"max-timeout"`

	// RetentionGrace is how long a resolved command stays in the pending
	// table to absorb duplicate or late replies.
	RetentionGrace time.Duration `json:"retention-grace" mapstructure:"retention-grace"`
}

// NewDispatchOptions creates DispatchOptions with default values.
func NewDispatchOptions() *DispatchOptions {
	return &DispatchOptions{
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     2 * time.Minute,
		RetentionGrace: 5 * time.Second,
	}
}

// Validate checks the dispatcher option values.
func (o *DispatchOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("default command timeout must be positive, got %v", o.DefaultTimeout))
	}
	if o.MaxTimeout < o.DefaultTimeout {
		errs = append(errs, fmt.Errorf("max command timeout %v is below the default %v", o.MaxTimeout, o.DefaultTimeout))
	}
	if o.RetentionGrace < 0 {
		errs = append(errs, fmt.Errorf("retention grace must not be negative, got %v", o.RetentionGrace))
	}
	return errs
}

// AddFlags adds flags for DispatchOptions to the given FlagSet.
func (o *DispatchOptions) AddFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&o.DefaultTimeout, "dispatch.default-timeout", o.DefaultTimeout, "Command timeout applied when the caller does not set one.")
	fs.DurationVar(&o.MaxTimeout, "dispatch.max-timeout", o.MaxTimeout, "Upper bound on caller-supplied command timeouts.")
	fs.DurationVar(&o.RetentionGrace, "dispatch.retention-grace", o.RetentionGrace, "How long resolved commands are retained to absorb late replies.")
}
