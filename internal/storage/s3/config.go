package s3

import (
	"fmt"
	"time"

	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/retry"
)

// Config represents S3 store configuration
type Config struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Profile         string `yaml:"profile" env:"PROFILE"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	SessionToken    string `yaml:"session_token" env:"SESSION_TOKEN"`
	ForcePathStyle  bool   `yaml:"force_path_style" env:"FORCE_PATH_STYLE"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	Concurrency    int           `yaml:"concurrency" env:"CONCURRENCY"`

	// Advanced settings
	UseAccelerate bool `yaml:"use_accelerate" env:"USE_ACCELERATE"`
	UseDualStack  bool `yaml:"use_dual_stack" env:"USE_DUAL_STACK"`
	VerifyBucket  bool `yaml:"verify_bucket" env:"VERIFY_BUCKET"`

	// StorageClass applies to uploaded tiles
	StorageClass string `yaml:"storage_class" env:"STORAGE_CLASS"`

	EnableCargoShipOptimization bool `yaml:"enable_cargoship_optimization" env:"ENABLE_CARGOSHIP"`

	Retry retry.Config `yaml:"retry" envPrefix:"RETRY_"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		Concurrency:    8,
		VerifyBucket:   true,
		StorageClass:   ClassStandard,
		Retry:          retry.DefaultConfig(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return invalidConfig("bucket name cannot be empty")
	}
	if c.Region == "" && c.Endpoint == "" {
		return invalidConfig("region or endpoint is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return invalidConfig("access_key_id and secret_access_key must be set together")
	}
	if c.StorageClass != "" && !IsValidStorageClass(c.StorageClass) {
		return invalidConfig(fmt.Sprintf("unsupported storage class: %s", c.StorageClass))
	}
	if c.MaxRetries < 0 {
		return invalidConfig("max_retries cannot be negative")
	}
	if c.Concurrency < 0 {
		return invalidConfig("concurrency cannot be negative")
	}
	return nil
}

func invalidConfig(msg string) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, msg).WithComponent("s3")
}
