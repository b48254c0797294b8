// Package storage selects and builds the BlobStore behind a tile cache.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/objectfs/tilecache/internal/circuit"
	"github.com/objectfs/tilecache/internal/storage/memory"
	"github.com/objectfs/tilecache/internal/storage/redis"
	"github.com/objectfs/tilecache/internal/storage/s3"
	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/types"
)

// Supported backends
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendRedis  = "redis"
)

// Config selects a backend and carries the settings of each
type Config struct {
	Backend string        `yaml:"backend" env:"BACKEND"`
	Memory  memory.Config `yaml:"memory" envPrefix:"MEMORY_"`
	S3      s3.Config     `yaml:"s3" envPrefix:"S3_"`
	Redis   redis.Config  `yaml:"redis" envPrefix:"REDIS_"`

	// Breaker guards the selected backend when enabled
	Breaker circuit.Config `yaml:"breaker" envPrefix:"BREAKER_"`
}

// DefaultConfig returns an in-memory configuration with S3 and Redis defaults filled in
func DefaultConfig() Config {
	return Config{
		Backend: BackendMemory,
		S3:      *s3.NewDefaultConfig(),
		Redis:   *redis.NewDefaultConfig(),
		Breaker: circuit.DefaultConfig(),
	}
}

// Validate checks the breaker and the settings of the selected backend only
func (c *Config) Validate() error {
	if err := c.Breaker.Validate(); err != nil {
		return err
	}

	switch c.Backend {
	case BackendMemory:
		if c.Memory.MaxBytes < 0 || c.Memory.MaxEntries < 0 {
			return invalidConfig("memory bounds cannot be negative")
		}
		return nil
	case BackendS3:
		return c.S3.Validate()
	case BackendRedis:
		return c.Redis.Validate()
	default:
		return invalidConfig(fmt.Sprintf("unsupported storage backend: %q (must be one of: %s)",
			c.Backend, strings.Join([]string{BackendMemory, BackendS3, BackendRedis}, ", ")))
	}
}

// ApplyURI points the configuration at a storage URI and returns the path part, which
// callers use as the cache base path:
//
//	memory://[path]
//	s3://bucket[/path]
//	redis://[user:password@]host:port[/db]
func (c *Config) ApplyURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", invalidConfig("failed to parse storage URI").WithCause(err)
	}

	switch parsed.Scheme {
	case "memory", "mem":
		c.Backend = BackendMemory
		return strings.Trim(parsed.Host+parsed.Path, "/"), nil

	case "s3":
		if parsed.Host == "" {
			return "", invalidConfig("S3 URI must include bucket name")
		}
		c.Backend = BackendS3
		c.S3.Bucket = parsed.Host
		if region := parsed.Query().Get("region"); region != "" {
			c.S3.Region = region
		}
		if endpoint := parsed.Query().Get("endpoint"); endpoint != "" {
			c.S3.Endpoint = endpoint
			c.S3.ForcePathStyle = true
		}
		return strings.Trim(parsed.Path, "/"), nil

	case "redis", "rediss":
		opts, err := goredis.ParseURL(uri)
		if err != nil {
			return "", invalidConfig("invalid redis URI").WithCause(err)
		}
		c.Backend = BackendRedis
		c.Redis.Addr = opts.Addr
		c.Redis.Username = opts.Username
		c.Redis.Password = opts.Password
		c.Redis.DB = opts.DB
		return "", nil

	default:
		return "", invalidConfig(fmt.Sprintf("unsupported storage scheme: %q", parsed.Scheme))
	}
}

// New builds the configured BlobStore, guarded by a circuit breaker when one is enabled.
// Remote backends verify connectivity before returning.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (types.BlobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Initializing blob store",
		zap.String("backend", cfg.Backend),
		zap.Bool("circuit_breaker", cfg.Breaker.Enabled))

	store, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.Enabled {
		return circuit.Guard(cfg.Backend, store, cfg.Breaker, logger), nil
	}
	return store, nil
}

func newBackend(ctx context.Context, cfg Config, logger *zap.Logger) (types.BlobStore, error) {
	switch cfg.Backend {
	case BackendS3:
		store, err := s3.New(ctx, &cfg.S3, s3.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendRedis:
		store, err := redis.New(ctx, &cfg.Redis, redis.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return memory.New(cfg.Memory), nil
	}
}

// Close releases store resources when the store holds any
func Close(store types.BlobStore) error {
	if closer, ok := store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func invalidConfig(msg string) *errors.TileCacheError {
	return errors.NewError(errors.ErrCodeInvalidConfig, msg).WithComponent("storage")
}
