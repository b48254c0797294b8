package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/objectfs/tilecache/internal/batch"
	"github.com/objectfs/tilecache/internal/layout"
	"github.com/objectfs/tilecache/internal/metrics"
	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/types"
)

const (
	DefaultConcurrentWriters = 8
	DefaultConcurrentReaders = 10
	DefaultDirectoryLayout   = layout.TMS
)

// Config is the immutable cache configuration
type Config struct {
	BasePath        string `yaml:"base_path" env:"BASE_PATH"`
	FileExt         string `yaml:"file_ext" env:"FILE_EXT"`
	DirectoryLayout string `yaml:"directory_layout" env:"DIRECTORY_LAYOUT"`

	// Zero selects the default; a negative value removes the cap
	ConcurrentWriters int `yaml:"concurrent_writers" env:"CONCURRENT_WRITERS"`
	ConcurrentReaders int `yaml:"concurrent_readers" env:"CONCURRENT_READERS"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		FileExt:           "png",
		DirectoryLayout:   DefaultDirectoryLayout,
		ConcurrentWriters: DefaultConcurrentWriters,
		ConcurrentReaders: DefaultConcurrentReaders,
	}
}

// Cache maps tiles onto keys of a blob store
type Cache struct {
	store       types.BlobStore
	config      Config
	scheme      *layout.Scheme
	contentType string
	lockID      string

	readers *batch.Executor
	writers *batch.Executor

	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Cache) {
		c.metrics = collector
	}
}

// New creates a cache. An invalid layout, extension or base path is a configuration error.
func New(store types.BlobStore, config Config, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "blob store is required").
			WithComponent("cache")
	}

	if config.DirectoryLayout == "" {
		config.DirectoryLayout = DefaultDirectoryLayout
	}
	if config.ConcurrentWriters == 0 {
		config.ConcurrentWriters = DefaultConcurrentWriters
	}
	if config.ConcurrentReaders == 0 {
		config.ConcurrentReaders = DefaultConcurrentReaders
	}

	scheme, err := layout.New(config.DirectoryLayout, config.BasePath, config.FileExt)
	if err != nil {
		return nil, err
	}

	sum := md5.Sum([]byte(config.BasePath))

	c := &Cache{
		store:       store,
		config:      config,
		scheme:      scheme,
		contentType: "image/" + config.FileExt,
		lockID:      hex.EncodeToString(sum[:]),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(
		zap.String("component", "cache"),
		zap.String("layout", scheme.Name()),
	)

	var poolOpts []batch.Option
	if c.metrics != nil {
		poolOpts = append(poolOpts, batch.WithObserver(c.metrics))
	}
	c.readers = batch.New("read", config.ConcurrentReaders, poolOpts...)
	c.writers = batch.New("write", config.ConcurrentWriters, poolOpts...)

	return c, nil
}

// Config returns the effective configuration
func (c *Cache) Config() Config {
	return c.config
}

// LockCacheID identifies this cache for lock naming: hex MD5 of the base path.
func (c *Cache) LockCacheID() string {
	return c.lockID
}

// TileKey returns the storage key of t
func (c *Cache) TileKey(t *types.Tile) string {
	return c.scheme.Key(t.Coord)
}

// Probe checks the store for t without downloading it. On Found the timestamp and size
// are populated; otherwise t is left untouched. A tile whose timestamp is already known
// is Found without a store call.
func (c *Cache) Probe(ctx context.Context, t *types.Tile) (Outcome, error) {
	if !t.Timestamp.IsZero() {
		return Found, nil
	}

	key := c.TileKey(t)
	start := time.Now()

	props, err := c.store.GetProperties(ctx, key)
	outcome := Classify(err)
	c.observe("is_cached", outcome, start, 0, err)
	if err != nil {
		c.logReadFailure("is_cached", key, outcome, err)
		return outcome, err
	}

	t.Timestamp = types.Timestamp(props.LastModified)
	t.Size = props.Size
	return Found, nil
}

// IsCached reports whether t exists in the store. Errors of any kind read as false.
func (c *Cache) IsCached(ctx context.Context, t *types.Tile) bool {
	outcome, _ := c.Probe(ctx, t)
	return outcome == Found
}

// LoadTileMetadata populates timestamp and size if they are not known yet.
func (c *Cache) LoadTileMetadata(ctx context.Context, t *types.Tile) {
	if !t.Timestamp.IsZero() {
		return
	}
	c.IsCached(ctx, t)
}

// Fetch downloads t if it is missing. Exactly one store call is made for a missing tile,
// and a failed fetch leaves t missing.
func (c *Cache) Fetch(ctx context.Context, t *types.Tile) (Outcome, error) {
	if !t.IsMissing() {
		return Found, nil
	}

	key := c.TileKey(t)
	start := time.Now()
	c.logger.Debug("loading tile", zap.String("key", key))

	blob, err := c.store.Download(ctx, key)
	if err == nil {
		err = c.readBlob(t, key, blob)
	}

	outcome := Classify(err)
	c.observe("load_tile", outcome, start, t.Size, err)
	if err != nil {
		c.logReadFailure("load_tile", key, outcome, err)
		return outcome, err
	}
	return Found, nil
}

func (c *Cache) readBlob(t *types.Tile, key string, blob *types.Blob) error {
	defer blob.Body.Close()

	data, err := io.ReadAll(blob.Body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read tile body").
			WithComponent("cache").WithOperation("load_tile").WithKey(key)
	}

	size := blob.Properties.Size
	if size <= 0 {
		size = int64(len(data))
	}

	t.Timestamp = types.Timestamp(blob.Properties.LastModified)
	t.Size = size
	t.Source = types.BytesSource(data)
	return nil
}

// LoadTile fetches t and reports whether it is now populated.
func (c *Cache) LoadTile(ctx context.Context, t *types.Tile) bool {
	outcome, _ := c.Fetch(ctx, t)
	return outcome == Found
}

// FetchTiles fetches every tile on the reader pool and returns one Outcome per tile,
// in input order.
func (c *Cache) FetchTiles(ctx context.Context, tiles []*types.Tile) []Outcome {
	tasks := make([]batch.Task, len(tiles))
	for i, t := range tiles {
		t := t
		tasks[i] = func(ctx context.Context) error {
			_, err := c.Fetch(ctx, t)
			return err
		}
	}

	errs := c.readers.Run(ctx, tasks)

	outcomes := make([]Outcome, len(errs))
	for i, err := range errs {
		outcomes[i] = Classify(err)
	}
	return outcomes
}

// LoadTiles fetches every tile and reports whether all of them are populated.
// A failure on one tile does not stop the others. At most min(ConcurrentReaders, len(tiles))
// downloads run at once; a negative ConcurrentReaders starts one download per tile.
func (c *Cache) LoadTiles(ctx context.Context, tiles []*types.Tile) bool {
	ok := true
	failed := 0
	for _, outcome := range c.FetchTiles(ctx, tiles) {
		if outcome != Found {
			ok = false
			failed++
		}
	}

	if !ok {
		c.logger.Debug("bulk load incomplete",
			zap.Int("tiles", len(tiles)),
			zap.Int("failed", failed))
	}
	return ok
}

// StoreTile uploads t unless this Tile value has been stored already. The upload
// overwrites any existing object and its error is returned to the caller.
func (c *Cache) StoreTile(ctx context.Context, t *types.Tile) error {
	if t.Stored {
		return nil
	}

	key := c.TileKey(t)
	start := time.Now()
	c.logger.Debug("storing tile", zap.String("key", key))

	n, err := c.upload(ctx, t, key)
	c.observeWrite("store_tile", start, n, err)
	if err != nil {
		c.logWriteFailure("store_tile", key, err)
		return fmt.Errorf("store tile %s: %w", t, err)
	}

	t.Stored = true
	if t.Size == 0 {
		t.Size = n
	}
	return nil
}

func (c *Cache) upload(ctx context.Context, t *types.Tile, key string) (int64, error) {
	if t.Source == nil {
		err := errors.NewError(errors.ErrCodeStorageWrite, "tile has no payload").
			WithComponent("cache").WithOperation("store_tile").WithKey(key)
		err.Retryable = false
		return 0, err
	}

	rc, err := t.Source.Open()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to open tile payload").
			WithComponent("cache").WithOperation("store_tile").WithKey(key)
	}
	defer rc.Close()

	body := &countingReader{r: rc}
	if err := c.store.Upload(ctx, key, body, c.contentType); err != nil {
		return body.n, err
	}
	return body.n, nil
}

// StoreTiles stores every tile on the writer pool. Every tile is attempted; the
// returned error combines the failures of the individual tiles.
func (c *Cache) StoreTiles(ctx context.Context, tiles []*types.Tile) error {
	tasks := make([]batch.Task, len(tiles))
	for i, t := range tiles {
		t := t
		tasks[i] = func(ctx context.Context) error {
			return c.StoreTile(ctx, t)
		}
	}

	return multierr.Combine(c.writers.Run(ctx, tasks)...)
}

// RemoveTile deletes t from the store. A missing key is not an error; the in-memory
// tile is not modified.
func (c *Cache) RemoveTile(ctx context.Context, t *types.Tile) error {
	key := c.TileKey(t)
	start := time.Now()
	c.logger.Debug("removing tile", zap.String("key", key))

	err := c.store.Delete(ctx, key)
	if errors.IsNotFound(err) {
		err = nil
	}

	c.observeWrite("remove_tile", start, 0, err)
	if err != nil {
		c.logWriteFailure("remove_tile", key, err)
		return fmt.Errorf("remove tile %s: %w", t, err)
	}
	return nil
}

func (c *Cache) observe(op string, outcome Outcome, start time.Time, size int64, err error) {
	if outcome != Found {
		size = 0
	}
	c.metrics.RecordOperation(op, outcome.String(), time.Since(start), size, outcome == Found)
	if outcome != Found && outcome != NotFound {
		c.metrics.RecordError(op, err)
	}
}

func (c *Cache) observeWrite(op string, start time.Time, size int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.metrics.RecordError(op, err)
	}
	c.metrics.RecordOperation(op, status, time.Since(start), size, err == nil)
}

// NotFound is an ordinary miss and only logged at debug.
func (c *Cache) logReadFailure(op, key string, outcome Outcome, err error) {
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("key", key),
		zap.String("outcome", outcome.String()),
		zap.Error(err),
	}

	switch outcome {
	case NotFound:
		c.logger.Debug("tile not in store", fields...)
	case Fatal:
		c.logger.Error("blob store rejected request", fields...)
	default:
		c.logger.Warn("blob store request failed", fields...)
	}
}

func (c *Cache) logWriteFailure(op, key string, err error) {
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("key", key),
		zap.String("code", string(errors.CodeOf(err))),
		zap.Error(err),
	}
	if errors.IsFatal(err) {
		c.logger.Error("blob store rejected write", fields...)
		return
	}
	c.logger.Warn("blob store write failed", fields...)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
