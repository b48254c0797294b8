// Package circuit stops a tile cache from hammering a blob store that is down.
//
// A Breaker counts consecutive connection failures. Once FailureThreshold is reached it
// opens and rejects calls with SERVICE_UNAVAILABLE until OpenTimeout has passed, then lets
// HalfOpenRequests probe calls through. A successful probe closes it again.
//
// Missing keys, fatal errors and caller cancellation are answers from a reachable store
// and never trip the breaker.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/objectfs/tilecache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected
	StateOpen
	// StateHalfOpen - a limited number of probe calls pass through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Consecutive connection failures that open the breaker
	FailureThreshold uint32 `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`

	// Time spent open before probing the store again
	OpenTimeout time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`

	// Probe calls allowed through while half-open
	HalfOpenRequests uint32 `yaml:"half_open_requests" env:"HALF_OPEN_REQUESTS"`

	// Called on every transition
	OnStateChange func(name string, from, to State) `yaml:"-" env:"-"`
}

// DefaultConfig returns a disabled breaker configuration with usable thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Validate checks the thresholds of an enabled breaker
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.FailureThreshold == 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "breaker failure_threshold must be positive").
			WithComponent("circuit")
	}
	if c.OpenTimeout <= 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "breaker open_timeout must be positive").
			WithComponent("circuit")
	}
	return nil
}

// Counts holds the numbers of calls seen in the current state
type Counts struct {
	Requests             uint32 `json:"requests"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c *Counts) onRequest() { c.Requests++ }

func (c *Counts) onSuccess() {
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker implements the circuit breaker pattern around one blob store
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// NewBreaker creates a closed breaker. Zero thresholds fall back to DefaultConfig.
func NewBreaker(name string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = defaults.HalfOpenRequests
	}

	return &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// IsFailure reports whether err says the store could not be reached
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	code := errors.CodeOf(err)
	return errors.GetCategory(code) == errors.CategoryConnection || code == errors.ErrCodeServiceUnavailable
}

// Allow reserves a call slot or returns SERVICE_UNAVAILABLE. Every allowed call must be
// followed by Done.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return b.rejected("circuit breaker is open")
	case StateHalfOpen:
		if b.counts.Requests >= b.config.HalfOpenRequests {
			return b.rejected("too many requests in half-open state")
		}
	}

	b.counts.onRequest()
	return nil
}

// Done records the result of a call admitted by Allow
func (b *Breaker) Done(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if !IsFailure(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Counts returns a copy of the counts of the current state
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.counts = Counts{}
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

// currentState moves an expired open breaker to half-open. Callers hold mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.config.OpenTimeout)) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = b.now()
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

func (b *Breaker) rejected(msg string) error {
	return errors.NewError(errors.ErrCodeServiceUnavailable, fmt.Sprintf("%s: %s", b.name, msg)).
		WithComponent("circuit")
}
