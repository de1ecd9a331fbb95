package options

import (
	"errors"

	"github.com/spf13/pflag"
)

var _ IOptions = (*S3Options)(nil)

// S3Options configures the object store used for device metadata snapshots
// and raw measurement captures.
type S3Options struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool   `json:"use-ssl" mapstructure:"use-ssl"`
	BucketName      string `json:"bucket-name" mapstructure:"bucket-name"`
	Region          string `json:"region" mapstructure:"region"`

	// InsecureSkipVerify disables TLS certificate verification for
	// self-signed development endpoints.
	InsecureSkipVerify bool `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`
}

// NewS3Options creates S3Options with default values.
func NewS3Options() *S3Options {
	return &S3Options{
		Enabled:    false,
		Endpoint:   "localhost:9000",
		UseSSL:     false,
		BucketName: "afehub",
		Region:     "us-east-1",
	}
}

// Validate checks the S3 option values.
func (o *S3Options) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	var errs []error
	if o.Endpoint == "" {
		errs = append(errs, errors.New("s3 endpoint is required when the object store is enabled"))
	}
	if o.BucketName == "" {
		errs = append(errs, errors.New("s3 bucket name is required when the object store is enabled"))
	}
	return errs
}

// AddFlags adds flags for S3Options to the given FlagSet.
func (o *S3Options) AddFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.Enabled, "s3.enabled", o.Enabled, "Enable the S3 object store for persistence.")
	fs.StringVar(&o.Endpoint, "s3.endpoint", o.Endpoint, "S3 service endpoint (e.g. s3.amazonaws.com or minio.local).")
	fs.StringVar(&o.AccessKeyID, "s3.access-key-id", o.AccessKeyID, "S3 access key ID.")
	fs.StringVar(&o.SecretAccessKey, "s3.secret-access-key", o.SecretAccessKey, "S3 secret access key.")
	fs.BoolVar(&o.UseSSL, "s3.use-ssl", o.UseSSL, "Enable SSL for the S3 connection.")
	fs.BoolVar(&o.InsecureSkipVerify, "s3.insecure-skip-verify", o.InsecureSkipVerify, "Skip TLS certificate verification for the S3 connection.")
	fs.StringVar(&o.BucketName, "s3.bucket-name", o.BucketName, "S3 bucket name for afehub data.")
	fs.StringVar(&o.Region, "s3.region", o.Region, "S3 region.")
}
