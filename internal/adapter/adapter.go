package adapter

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/objectfs/tilecache/internal/cache"
	"github.com/objectfs/tilecache/internal/config"
	"github.com/objectfs/tilecache/internal/logger"
	"github.com/objectfs/tilecache/internal/metrics"
	"github.com/objectfs/tilecache/internal/storage"
	"github.com/objectfs/tilecache/pkg/health"
	"github.com/objectfs/tilecache/pkg/types"
)

// BlobStoreComponent names the blob store in health reports
const BlobStoreComponent = "blob_store"

// Adapter owns the components behind one tile cache: logger, metrics, blob store and cache
type Adapter struct {
	storageURI string
	config     *config.Configuration

	mu      sync.Mutex
	started bool

	logger  *zap.Logger
	metrics *metrics.Collector
	store   types.BlobStore
	cache   *cache.Cache
	health  *health.Tracker

	logCloser io.Closer

	stopHealth context.CancelFunc
	healthWG   conc.WaitGroup

	ownsStore bool
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger uses logger instead of building one from the global settings
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithStore uses an existing blob store instead of building the configured backend.
// The adapter does not close it on Stop.
func WithStore(store types.BlobStore) Option {
	return func(a *Adapter) {
		a.store = store
	}
}

// New creates an adapter. A non-empty storageURI overrides the configured backend, and its
// path becomes the cache base path unless one is already configured.
func New(ctx context.Context, storageURI string, cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}

	if storageURI != "" {
		basePath, err := cfg.Storage.ApplyURI(storageURI)
		if err != nil {
			return nil, fmt.Errorf("invalid storage URI: %w", err)
		}
		if cfg.Cache.BasePath == "" {
			cfg.Cache.BasePath = basePath
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	adapter := &Adapter{
		storageURI: storageURI,
		config:     cfg,
	}
	for _, opt := range opts {
		opt(adapter)
	}

	return adapter, nil
}

// Start builds the components and, when enabled, serves metrics
func (a *Adapter) Start(ctx context.Context) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("adapter already started")
	}

	if a.logger == nil {
		log, closer, err := logger.Build(a.config.Global.LogLevel, a.config.Global.LogFormat, a.config.Global.LogFile)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		a.logger = log
		a.logCloser = closer
	}
	defer func() {
		if err != nil {
			a.logger.Error("Failed to start tile cache", zap.Error(err))
			_ = a.closeLog()
		}
	}()

	a.logger.Info("Starting tile cache",
		zap.String("storage_uri", a.storageURI),
		zap.String("backend", a.config.Storage.Backend),
		zap.String("base_path", a.config.Cache.BasePath),
		zap.String("layout", a.config.Cache.DirectoryLayout))

	collector, err := metrics.NewCollector(&a.config.Monitoring.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	collector.SetLogger(a.logger)

	var tracker *health.Tracker
	if a.config.Monitoring.Health.Enabled {
		tracker = a.newHealthTracker()
		collector.Handle(a.config.Monitoring.Health.Path, tracker.Handler())
	}

	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	store := a.store
	if store == nil {
		store, err = storage.New(ctx, a.config.Storage, a.logger)
		if err != nil {
			_ = collector.Stop(ctx)
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
	}

	tileCache, err := cache.New(store, a.config.Cache,
		cache.WithLogger(a.logger),
		cache.WithMetrics(collector))
	if err != nil {
		_ = collector.Stop(ctx)
		if a.store == nil {
			_ = storage.Close(store)
		}
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	a.ownsStore = a.store == nil

	a.metrics = collector
	a.store = store
	a.cache = tileCache
	a.health = tracker
	a.started = true

	if tracker != nil {
		a.startHealthChecks(tracker, tileCache)
	}

	a.logger.Info("Tile cache started", zap.String("lock_id", tileCache.LockCacheID()))
	return nil
}

// Stop shuts the metrics server down and closes the store if the adapter built it
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return fmt.Errorf("adapter not started")
	}

	a.logger.Info("Stopping tile cache")

	if a.stopHealth != nil {
		a.stopHealth()
		a.healthWG.Wait()
		a.stopHealth = nil
	}
	a.health = nil

	err := a.metrics.Stop(ctx)
	if a.ownsStore {
		err = multierr.Append(err, storage.Close(a.store))
		a.store = nil
		a.ownsStore = false
	}
	a.cache = nil
	a.started = false

	return multierr.Append(err, a.closeLog())
}

// closeLog flushes the logger and, if Start built it, closes its file and forgets it
func (a *Adapter) closeLog() error {
	_ = a.logger.Sync()
	if a.logCloser == nil {
		return nil
	}
	err := a.logCloser.Close()
	a.logCloser = nil
	a.logger = nil
	return err
}

func (a *Adapter) newHealthTracker() *health.Tracker {
	tracker := health.NewTracker(a.config.Monitoring.Health)
	tracker.RegisterComponent(BlobStoreComponent)
	tracker.OnStateChange(func(component string, from, to health.HealthState, err error) {
		a.logger.Warn("Blob store health changed",
			zap.String("component", component),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Error(err))
	})
	return tracker
}

// startHealthChecks probes the 0/0/0 tile on every interval. A missing tile is healthy.
func (a *Adapter) startHealthChecks(tracker *health.Tracker, tileCache *cache.Cache) {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopHealth = cancel

	a.healthWG.Go(func() {
		tracker.StartHealthChecks(ctx, func(ctx context.Context, _ string) error {
			_, err := tileCache.Probe(ctx, types.NewTile(0, 0, 0))
			return err
		})
	})
}

// Cache returns the running cache, nil before Start
func (a *Adapter) Cache() *cache.Cache {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache
}

// Metrics returns the metrics collector, nil before Start
func (a *Adapter) Metrics() *metrics.Collector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Health returns the blob store health tracker, nil unless health checks are enabled
func (a *Adapter) Health() *health.Tracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

// Logger returns the adapter logger, nil before Start unless injected
func (a *Adapter) Logger() *zap.Logger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logger
}
