// Package redis stores tiles in Redis, one hash per key.
//
// Each hash carries the payload and its metadata:
//
//	data      encoded tile bytes
//	modified  unix seconds of the last upload
//	type      content type
//
// GetProperties reads only the metadata fields. An optional TTL turns the store into an
// expiring cache in front of a slower tile source.
package redis

import (
	"context"
	stderr "errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/objectfs/tilecache/internal/buffer"
	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/retry"
	"github.com/objectfs/tilecache/pkg/types"
)

const (
	fieldData     = "data"
	fieldModified = "modified"
	fieldType     = "type"
)

// Config holds Redis connection settings
type Config struct {
	Addr        string        `yaml:"addr" env:"ADDR"`
	Username    string        `yaml:"username" env:"USERNAME"`
	Password    string        `yaml:"password" env:"PASSWORD"`
	DB          int           `yaml:"db" env:"DB"`
	KeyPrefix   string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL         time.Duration `yaml:"ttl" env:"TTL"`
	PoolSize    int           `yaml:"pool_size" env:"POOL_SIZE"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`

	Retry retry.Config `yaml:"retry" envPrefix:"RETRY_"`
}

// NewDefaultConfig returns a configuration for a local Redis
func NewDefaultConfig() *Config {
	return &Config{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
		Retry:       retry.DefaultConfig(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "redis addr cannot be empty").WithComponent("redis")
	}
	if c.DB < 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "redis db cannot be negative").WithComponent("redis")
	}
	if c.TTL < 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "redis ttl cannot be negative").WithComponent("redis")
	}
	return nil
}

// Store implements types.BlobStore on Redis
type Store struct {
	client  redis.UniversalClient
	config  *Config
	retryer *retry.Retryer
	logger  *zap.Logger
	now     func() time.Time
}

var _ types.BlobStore = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClient uses an existing client instead of dialing cfg.Addr
func WithClient(client redis.UniversalClient) Option {
	return func(s *Store) {
		s.client = client
	}
}

// New connects to Redis and verifies the connection with PING
func New(ctx context.Context, cfg *Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "redis"), zap.String("addr", cfg.Addr))
	s.retryer = retry.New(cfg.Retry)

	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Username:    cfg.Username,
			Password:    cfg.Password,
			DB:          cfg.DB,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		_ = s.client.Close()
		return nil, translateError(err, "Ping", "", errors.ErrCodeNetworkError)
	}

	s.logger.Debug("Redis store ready", zap.Int("db", cfg.DB), zap.Duration("ttl", cfg.TTL))
	return s, nil
}

// GetProperties implements types.BlobStore
func (s *Store) GetProperties(ctx context.Context, key string) (*types.BlobProperties, error) {
	fullKey := s.key(key)
	var vals []interface{}
	var size int64
	err := s.retryer.Do(ctx, func(ctx context.Context) error {
		pipe := s.client.Pipeline()
		meta := pipe.HMGet(ctx, fullKey, fieldModified, fieldType)
		length := pipe.HStrLen(ctx, fullKey, fieldData)
		if _, err := pipe.Exec(ctx); err != nil {
			return translateError(err, "GetProperties", key, errors.ErrCodeStorageRead)
		}
		vals, size = meta.Val(), length.Val()
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := make(map[string]string, 2)
	if v, ok := vals[0].(string); ok {
		fields[fieldModified] = v
	}
	if v, ok := vals[1].(string); ok {
		fields[fieldType] = v
	}
	if len(fields) == 0 {
		return nil, notFound("GetProperties", key)
	}

	props := decodeProperties(fields)
	props.Size = size
	return &props, nil
}

// Download implements types.BlobStore
func (s *Store) Download(ctx context.Context, key string) (*types.Blob, error) {
	var fields map[string]string
	err := s.retryer.Do(ctx, func(ctx context.Context) error {
		var err error
		fields, err = s.client.HGetAll(ctx, s.key(key)).Result()
		return translateError(err, "Download", key, errors.ErrCodeStorageRead)
	})
	if err != nil {
		return nil, err
	}

	data, ok := fields[fieldData]
	if !ok {
		return nil, notFound("Download", key)
	}

	props := decodeProperties(fields)
	props.Size = int64(len(data))
	return &types.Blob{
		Properties: props,
		Body:       io.NopCloser(strings.NewReader(data)),
	}, nil
}

// Upload implements types.BlobStore
func (s *Store) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	buf, err := buffer.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to read upload body").
			WithComponent("redis").WithOperation("Upload").WithKey(key)
	}
	defer buffer.Put(buf)

	fullKey := s.key(key)
	values := map[string]interface{}{
		fieldData:     buf.Bytes(),
		fieldModified: strconv.FormatInt(s.now().Unix(), 10),
		fieldType:     contentType,
	}

	return s.retryer.Do(ctx, func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, fullKey)
			pipe.HSet(ctx, fullKey, values)
			if s.config.TTL > 0 {
				pipe.Expire(ctx, fullKey, s.config.TTL)
			}
			return nil
		})
		return translateError(err, "Upload", key, errors.ErrCodeStorageWrite)
	})
}

// Delete implements types.BlobStore. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.retryer.Do(ctx, func(ctx context.Context) error {
		return translateError(s.client.Del(ctx, s.key(key)).Err(), "Delete", key, errors.ErrCodeStorageWrite)
	})
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(key string) string {
	return s.config.KeyPrefix + key
}

func decodeProperties(fields map[string]string) types.BlobProperties {
	var props types.BlobProperties
	if sec, err := strconv.ParseInt(fields[fieldModified], 10, 64); err == nil && sec > 0 {
		props.LastModified = time.Unix(sec, 0).UTC()
	}
	props.ContentType = fields[fieldType]
	return props
}

func notFound(op, key string) error {
	return errors.NewError(errors.ErrCodeObjectNotFound, "object not found").
		WithComponent("redis").WithOperation(op).WithKey(key)
}

// translateError classifies a client error; server replies that match nothing
// specific fall back to fallback.
func translateError(err error, op, key string, fallback errors.ErrorCode) error {
	if err == nil {
		return nil
	}

	code := fallback
	msg := "redis request failed"

	var netErr net.Error
	var redisErr redis.Error
	switch {
	case stderr.Is(err, redis.Nil):
		code, msg = errors.ErrCodeObjectNotFound, "object not found"
	case stderr.Is(err, context.Canceled), stderr.Is(err, context.DeadlineExceeded):
		code, msg = errors.ErrCodeOperationCanceled, "request canceled"
	case stderr.As(err, &netErr) && netErr.Timeout():
		code, msg = errors.ErrCodeConnectionTimeout, "redis timeout"
	case stderr.As(err, &redisErr):
		reply := err.Error()
		switch {
		case strings.HasPrefix(reply, "NOAUTH"), strings.HasPrefix(reply, "WRONGPASS"):
			code, msg = errors.ErrCodeCredentialsMissing, "redis authentication failed"
		case strings.HasPrefix(reply, "NOPERM"):
			code, msg = errors.ErrCodeAccessDenied, "redis permission denied"
		case strings.HasPrefix(reply, "LOADING"), strings.HasPrefix(reply, "BUSY"),
			strings.HasPrefix(reply, "TRYAGAIN"), strings.HasPrefix(reply, "CLUSTERDOWN"):
			code, msg = errors.ErrCodeServiceUnavailable, "redis unavailable"
		}
	case stderr.As(err, &netErr), stderr.Is(err, redis.ErrClosed):
		code = errors.ErrCodeNetworkError
	}

	return errors.NewError(code, msg).
		WithComponent("redis").WithOperation(op).WithKey(key).WithCause(err)
}
