package redis

import (
	"context"
	stderr "errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tilecache/pkg/errors"
)

// redisError mimics a server error reply
type redisError string

func (e redisError) Error() string { return string(e) }
func (redisError) RedisError()     {}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty addr", func(c *Config) { c.Addr = "" }, false},
		{"negative db", func(c *Config) { c.DB = -1 }, false},
		{"negative ttl", func(c *Config) { c.TTL = -time.Second }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsConfiguration(err))
			}
		})
	}
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
	}{
		{"nil reply", redis.Nil, errors.ErrCodeObjectNotFound},
		{"canceled", context.Canceled, errors.ErrCodeOperationCanceled},
		{"timeout", timeoutError{}, errors.ErrCodeConnectionTimeout},
		{"noauth", redisError("NOAUTH Authentication required."), errors.ErrCodeCredentialsMissing},
		{"wrongpass", redisError("WRONGPASS invalid username-password pair"), errors.ErrCodeCredentialsMissing},
		{"noperm", redisError("NOPERM this user has no permissions"), errors.ErrCodeAccessDenied},
		{"loading", redisError("LOADING Redis is loading the dataset in memory"), errors.ErrCodeServiceUnavailable},
		{"closed", redis.ErrClosed, errors.ErrCodeNetworkError},
		{"other reply", redisError("WRONGTYPE Operation against a key"), errors.ErrCodeStorageRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError(tt.err, "Download", "k", errors.ErrCodeStorageRead)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.True(t, stderr.Is(err, tt.err))
		})
	}

	assert.Nil(t, translateError(nil, "Download", "k", errors.ErrCodeStorageRead))
}

func TestDecodeProperties(t *testing.T) {
	props := decodeProperties(map[string]string{
		fieldModified: "1709296245",
		fieldType:     "image/png",
	})
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC), props.LastModified)
	assert.Equal(t, "image/png", props.ContentType)

	props = decodeProperties(map[string]string{fieldModified: "garbage"})
	assert.True(t, props.LastModified.IsZero())
}

func TestNew_Unreachable(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond

	store, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, store)
	assert.False(t, errors.IsNotFound(err))
}

// TestStore_Integration runs against a real server when TILECACHE_TEST_REDIS_ADDR is set.
func TestStore_Integration(t *testing.T) {
	addr := os.Getenv("TILECACHE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TILECACHE_TEST_REDIS_ADDR not set")
	}

	cfg := NewDefaultConfig()
	cfg.Addr = addr
	cfg.KeyPrefix = "tilecache-test:" + t.Name() + ":"

	store, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()

	fixed := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	_, err = store.GetProperties(ctx, "missing.png")
	assert.True(t, errors.IsNotFound(err))
	_, err = store.Download(ctx, "missing.png")
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, store.Upload(ctx, "1/2/3.png", strings.NewReader("tile-bytes"), "image/png"))

	props, err := store.GetProperties(ctx, "1/2/3.png")
	require.NoError(t, err)
	assert.Equal(t, fixed, props.LastModified)
	assert.Equal(t, int64(10), props.Size)
	assert.Equal(t, "image/png", props.ContentType)

	blob, err := store.Download(ctx, "1/2/3.png")
	require.NoError(t, err)
	data, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	assert.Equal(t, "tile-bytes", string(data))

	require.NoError(t, store.Delete(ctx, "1/2/3.png"))
	require.NoError(t, store.Delete(ctx, "1/2/3.png"))
	_, err = store.GetProperties(ctx, "1/2/3.png")
	assert.True(t, errors.IsNotFound(err))
}
