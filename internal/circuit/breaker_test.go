package circuit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/objectfs/tilecache/internal/storage/memory"
	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(threshold uint32, timeout time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker("test", Config{Enabled: true, FailureThreshold: threshold, OpenTimeout: timeout})
	b.now = clock.Now
	return b, clock
}

var errUnreachable = errors.NewError(errors.ErrCodeNetworkError, "connection refused")

func call(b *Breaker, err error) error {
	if allowErr := b.Allow(); allowErr != nil {
		return allowErr
	}
	b.Done(err)
	return err
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"Closed state", StateClosed, "CLOSED"},
		{"Open state", StateOpen, "OPEN"},
		{"Half-open state", StateHalfOpen, "HALF_OPEN"},
		{"Unknown state", State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker("s3", Config{})
	defaults := DefaultConfig()

	if b.Name() != "s3" {
		t.Errorf("Name() = %q, want s3", b.Name())
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want CLOSED", b.State())
	}
	if b.config.FailureThreshold != defaults.FailureThreshold {
		t.Errorf("FailureThreshold = %d, want %d", b.config.FailureThreshold, defaults.FailureThreshold)
	}
	if b.config.OpenTimeout != defaults.OpenTimeout {
		t.Errorf("OpenTimeout = %v, want %v", b.config.OpenTimeout, defaults.OpenTimeout)
	}
	if b.config.HalfOpenRequests != 1 {
		t.Errorf("HalfOpenRequests = %d, want 1", b.config.HalfOpenRequests)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"disabled ignores thresholds", Config{}, false},
		{"enabled defaults", func() Config { c := DefaultConfig(); c.Enabled = true; return c }(), false},
		{"zero threshold", Config{Enabled: true, OpenTimeout: time.Second}, true},
		{"zero timeout", Config{Enabled: true, FailureThreshold: 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsConfiguration(err) {
				t.Errorf("Validate() error code = %s, want INVALID_CONFIG", errors.CodeOf(err))
			}
		})
	}
}

func TestIsFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errUnreachable, true},
		{"timeout", errors.NewError(errors.ErrCodeConnectionTimeout, "timeout"), true},
		{"throttled", errors.NewError(errors.ErrCodeServiceUnavailable, "slow down"), true},
		{"not found", errors.NewError(errors.ErrCodeObjectNotFound, "missing"), false},
		{"access denied", errors.NewError(errors.ErrCodeAccessDenied, "denied"), false},
		{"canceled", context.Canceled, false},
		{"wrapped network", fmt.Errorf("store tile: %w", errUnreachable), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFailure(tt.err); got != tt.want {
				t.Errorf("IsFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		_ = call(b, errUnreachable)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 2 failures = %v, want CLOSED", b.State())
	}

	_ = call(b, errUnreachable)
	if b.State() != StateOpen {
		t.Fatalf("state after 3 failures = %v, want OPEN", b.State())
	}

	err := call(b, nil)
	if errors.CodeOf(err) != errors.ErrCodeServiceUnavailable {
		t.Errorf("call on open breaker error = %v, want SERVICE_UNAVAILABLE", err)
	}
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, time.Minute)

	_ = call(b, errUnreachable)
	_ = call(b, errUnreachable)
	_ = call(b, nil)
	_ = call(b, errUnreachable)
	_ = call(b, errUnreachable)

	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
	if got := b.Counts().ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
}

func TestBreaker_StoreAnswersDoNotTrip(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(1, time.Minute)
	notFound := errors.NewError(errors.ErrCodeObjectNotFound, "missing")
	denied := errors.NewError(errors.ErrCodeAccessDenied, "denied")

	for i := 0; i < 5; i++ {
		_ = call(b, notFound)
		_ = call(b, denied)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(1, 30*time.Second)

	var transitions []string
	b.config.OnStateChange = func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	_ = call(b, errUnreachable)
	clock.Advance(29 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("state before timeout = %v, want OPEN", b.State())
	}

	clock.Advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want HALF_OPEN", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("first half-open Allow() error = %v", err)
	}
	if err := b.Allow(); errors.CodeOf(err) != errors.ErrCodeServiceUnavailable {
		t.Errorf("second half-open Allow() error = %v, want SERVICE_UNAVAILABLE", err)
	}
	b.Done(nil)

	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want CLOSED", b.State())
	}

	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(1, 10*time.Second)

	_ = call(b, errUnreachable)
	clock.Advance(10 * time.Second)
	_ = call(b, errUnreachable)

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}
	clock.Advance(9 * time.Second)
	if b.State() != StateOpen {
		t.Errorf("reopened breaker should wait a full timeout, state = %v", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(1, time.Hour)
	_ = call(b, errUnreachable)
	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v, want CLOSED", b.State())
	}
	if err := call(b, nil); err != nil {
		t.Errorf("call after Reset error = %v", err)
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%2 == 0 {
					_ = call(b, nil)
				} else {
					_ = call(b, errUnreachable)
				}
			}
		}(i)
	}
	wg.Wait()

	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
}

// flakyStore fails every call with a network error while down is set
type flakyStore struct {
	types.BlobStore
	down  bool
	calls int
}

func (f *flakyStore) GetProperties(ctx context.Context, key string) (*types.BlobProperties, error) {
	f.calls++
	if f.down {
		return nil, errUnreachable
	}
	return f.BlobStore.GetProperties(ctx, key)
}

func (f *flakyStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	f.calls++
	if f.down {
		return errUnreachable
	}
	return f.BlobStore.Upload(ctx, key, body, contentType)
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	backing := &flakyStore{BlobStore: memory.New(memory.Config{})}

	var opened bool
	guarded := Guard("memory", backing, Config{
		Enabled:          true,
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
		OnStateChange: func(_ string, _, to State) {
			opened = opened || to == StateOpen
		},
	}, zaptest.NewLogger(t))

	if err := guarded.Upload(ctx, "0/0/0.png", bytes.NewReader([]byte("x")), "image/png"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if _, err := guarded.GetProperties(ctx, "0/0/0.png"); err != nil {
		t.Fatalf("GetProperties() error = %v", err)
	}
	if _, err := guarded.GetProperties(ctx, "1/0/0.png"); !errors.IsNotFound(err) {
		t.Fatalf("GetProperties(missing) error = %v, want OBJECT_NOT_FOUND", err)
	}

	backing.down = true
	_, _ = guarded.GetProperties(ctx, "0/0/0.png")
	_, _ = guarded.GetProperties(ctx, "0/0/0.png")
	if !opened {
		t.Fatal("breaker did not open after two network failures")
	}

	before := backing.calls
	_, err := guarded.GetProperties(ctx, "0/0/0.png")
	if errors.CodeOf(err) != errors.ErrCodeServiceUnavailable {
		t.Errorf("GetProperties() on open breaker error = %v, want SERVICE_UNAVAILABLE", err)
	}
	if backing.calls != before {
		t.Errorf("open breaker reached the store: %d calls, want %d", backing.calls, before)
	}

	if guarded.Unwrap() != backing {
		t.Error("Unwrap() did not return the guarded store")
	}
	if err := guarded.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
