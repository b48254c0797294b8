// Package health tracks whether the blob store behind a tile cache is usable
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/tilecache/pkg/errors"
)

// HealthState represents the health of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates repeated failures that may clear up on their own
	StateDegraded

	// StateReadOnly indicates reads work but writes keep failing
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name
func (s HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" env:"ERROR_THRESHOLD"`

	// UnavailableThreshold is the number of consecutive errors before marking it unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" env:"UNAVAILABLE_THRESHOLD"`

	// HealthCheckInterval is the interval for automatic health checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"CHECK_INTERVAL"`

	// Path serves the health report on the metrics server
	Path string `yaml:"path" env:"PATH"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		HealthCheckInterval:  30 * time.Second,
		Path:                 "/healthz",
	}
}

// Validate checks the thresholds of an enabled tracker
func (c *TrackerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.ErrorThreshold <= 0:
		return invalidConfig("health error_threshold must be positive")
	case c.UnavailableThreshold < c.ErrorThreshold:
		return invalidConfig("health unavailable_threshold must not be below error_threshold")
	case c.HealthCheckInterval <= 0:
		return invalidConfig("health check interval must be positive")
	case c.Path == "" || c.Path[0] != '/':
		return invalidConfig("health path must start with /")
	}
	return nil
}

func invalidConfig(msg string) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, msg).WithComponent("health")
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// Tracker derives component health from the results of store calls
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
	now        func() time.Time
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = defaults.HealthCheckInterval
	}

	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		now:        time.Now,
	}
}

// RegisterComponent registers a component as healthy
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// OnStateChange registers a callback. Callbacks run synchronously, outside the tracker lock.
func (t *Tracker) OnStateChange(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback)
}

// Record feeds the result of one store call into component's state. A missing key is
// an answer from a working store and counts as success. Fatal errors make the component
// unavailable at once.
func (t *Tracker) Record(component string, err error) {
	if err != nil && errors.IsNotFound(err) {
		err = nil
	}

	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = t.now()

	if err == nil {
		health.ConsecutiveErrors = 0
		health.LastErrorMessage = ""
		t.transition(health, StateHealthy)
	} else {
		health.ConsecutiveErrors++
		health.LastErrorMessage = err.Error()
		t.transition(health, t.stateFor(health.ConsecutiveErrors, err, oldState))
	}

	newState := health.State
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.Unlock()

	if newState != oldState {
		for _, callback := range callbacks {
			callback(component, oldState, newState, err)
		}
	}
}

func (t *Tracker) stateFor(consecutive int, err error, current HealthState) HealthState {
	switch {
	case errors.IsFatal(err), consecutive >= t.config.UnavailableThreshold:
		return StateUnavailable
	case consecutive >= t.config.ErrorThreshold:
		if errors.CodeOf(err) == errors.ErrCodeStorageWrite {
			return StateReadOnly
		}
		return StateDegraded
	default:
		return current
	}
}

// transition must be called with the lock held
func (t *Tracker) transition(health *ComponentHealth, state HealthState) {
	if health.State == state {
		return
	}
	health.State = state
	health.LastStateChange = t.now()
}

// GetState returns the state of a component. Unknown components are unavailable.
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *health, nil
}

// GetAllComponents returns copies of every component, sorted by name
func (t *Tracker) GetAllComponents() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]ComponentHealth, 0, len(t.components))
	for _, health := range t.components {
		result = append(result, *health)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}

// CanRead returns true if the component can serve reads
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite returns true if the component can accept writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// StartHealthChecks runs check for every component on each interval until ctx is done
func (t *Tracker) StartHealthChecks(ctx context.Context, check func(ctx context.Context, component string) error) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx, check)
		}
	}
}

// CheckNow runs check once for every component
func (t *Tracker) CheckNow(ctx context.Context, check func(ctx context.Context, component string) error) {
	t.mu.RLock()
	components := make([]string, 0, len(t.components))
	for name := range t.components {
		components = append(components, name)
	}
	t.mu.RUnlock()

	for _, component := range components {
		t.Record(component, check(ctx, component))
	}
}

// Report is the body served by Handler
type Report struct {
	Status     HealthState       `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// Handler serves a JSON Report. Unavailable answers 503, anything else 200.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := Report{
			Status:     t.GetOverallHealth(),
			Components: t.GetAllComponents(),
		}

		status := http.StatusOK
		if report.Status == StateUnavailable {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
