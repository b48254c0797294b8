package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/tilecache/pkg/errors"
)

// Collector records tile cache metrics
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	tileBytes         *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	poolActive        *prometheus.GaugeVec
	poolTasks         *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	routes map[string]http.Handler
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Port      int    `yaml:"port" env:"PORT"`
	Path      string `yaml:"path" env:"PATH"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Subsystem string `yaml:"subsystem" env:"SUBSYSTEM"`
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tilecache",
	}
}

// OperationMetrics tracks one operation in-process, for the CLI summary
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalBytes    int64         `json:"total_bytes"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a collector. A nil config uses DefaultConfig.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: zap.NewNop()}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     zap.NewNop(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// SetLogger sets the logger used by the metrics server
func (c *Collector) SetLogger(logger *zap.Logger) {
	if c == nil || logger == nil {
		return
	}
	c.logger = logger
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry returns the collector's registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Handle serves h at pattern next to the metrics endpoint. It must be called before
// Start and is a no-op on a disabled collector.
func (c *Collector) Handle(pattern string, h http.Handler) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.routes == nil {
		c.routes = make(map[string]http.Handler)
	}
	c.routes[pattern] = h
}

// Start serves the metrics endpoint in the background
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	c.mu.RLock()
	for pattern, h := range c.routes {
		mux.Handle(pattern, h)
	}
	c.mu.RUnlock()

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	c.logger.Info("metrics server started",
		zap.Int("port", c.config.Port),
		zap.String("path", c.config.Path))

	return nil
}

// Stop shuts the metrics endpoint down
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one cache call. size <= 0 skips the byte histogram.
func (c *Collector) RecordOperation(operation, outcome string, duration time.Duration, size int64, success bool) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	if !success {
		m.Errors++
	}
	m.TotalDuration += duration
	m.TotalBytes += max(size, 0)
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastOperation = time.Now()
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"outcome":   outcome,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 {
		c.tileBytes.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(size))
	}
}

// RecordError counts a failure under its error code
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"code":      string(errors.CodeOf(err)),
	}).Inc()
}

// TaskStarted implements batch.Observer
func (c *Collector) TaskStarted(pool string) {
	if !c.enabled() {
		return
	}
	c.poolActive.WithLabelValues(pool).Inc()
}

// TaskFinished implements batch.Observer
func (c *Collector) TaskFinished(pool string, err error, _ time.Duration) {
	if !c.enabled() {
		return
	}
	c.poolActive.WithLabelValues(pool).Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	c.poolTasks.WithLabelValues(pool, status).Inc()
}

// GetMetrics returns a copy of the in-process operation summary
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the in-process summary; Prometheus series are untouched
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "tile_operations_total",
			Help:      "Total number of tile cache operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "tile_operation_duration_seconds",
			Help:      "Duration of tile cache operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"operation"},
	)

	c.tileBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "tile_bytes",
			Help:      "Size of loaded and stored tiles in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 16), // 256B to ~8MB
		},
		[]string{"operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "tile_errors_total",
			Help:      "Total number of failed tile operations by error code",
		},
		[]string{"operation", "code"},
	)

	c.poolActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "pool_active_tasks",
			Help:      "Number of batch tasks currently running",
		},
		[]string{"pool"},
	)

	c.poolTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "pool_tasks_total",
			Help:      "Total number of finished batch tasks",
		},
		[]string{"pool", "status"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.tileBytes,
		c.errorCounter,
		c.poolActive,
		c.poolTasks,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}
