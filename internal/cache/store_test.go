package cache

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/tilecache/internal/storage/memory"
	"github.com/objectfs/tilecache/pkg/types"
)

var testClock = time.Date(2024, 3, 1, 12, 30, 45, 123_000_000, time.UTC)

// fakeStore wraps the memory store with per-key failures, call counts and an
// in-flight gauge.
type fakeStore struct {
	*memory.Store
	delay time.Duration

	mu           sync.Mutex
	failures     map[string]error
	calls        map[string]int
	contentTypes map[string]string

	active  atomic.Int64
	peak    atomic.Int64
	barrier atomic.Int64
}

var _ types.BlobStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		Store:        memory.New(memory.Config{}, memory.WithClock(func() time.Time { return testClock })),
		failures:     make(map[string]error),
		calls:        make(map[string]int),
		contentTypes: make(map[string]string),
	}
}

func (f *fakeStore) failKey(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = err
}

func (f *fakeStore) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeStore) seed(t *testing.T, key, data string) {
	t.Helper()
	require.NoError(t, f.Store.Upload(context.Background(), key, strings.NewReader(data), "image/png"))
}

func (f *fakeStore) enter(op, key string) error {
	n := f.active.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[op]++
	err := f.failures[key]
	f.mu.Unlock()

	// Hold every call until the pool has put barrier calls in flight, so a cap is
	// reached rather than merely respected. The deadline keeps a serial pool from hanging.
	if barrier := f.barrier.Load(); barrier > 0 {
		deadline := time.Now().Add(time.Second)
		for f.peak.Load() < barrier && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return err
}

func (f *fakeStore) exit() {
	f.active.Add(-1)
}

func (f *fakeStore) GetProperties(ctx context.Context, key string) (*types.BlobProperties, error) {
	defer f.exit()
	if err := f.enter("get_properties", key); err != nil {
		return nil, err
	}
	return f.Store.GetProperties(ctx, key)
}

func (f *fakeStore) Download(ctx context.Context, key string) (*types.Blob, error) {
	defer f.exit()
	if err := f.enter("download", key); err != nil {
		return nil, err
	}
	return f.Store.Download(ctx, key)
}

func (f *fakeStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	defer f.exit()
	if err := f.enter("upload", key); err != nil {
		return err
	}
	f.mu.Lock()
	f.contentTypes[key] = contentType
	f.mu.Unlock()
	return f.Store.Upload(ctx, key, body, contentType)
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	defer f.exit()
	if err := f.enter("delete", key); err != nil {
		return err
	}
	return f.Store.Delete(ctx, key)
}

// closeTracker records whether a payload was released.
type closeTracker struct {
	data   string
	closed atomic.Bool
}

func (c *closeTracker) Open() (io.ReadCloser, error) {
	return &trackedReader{Reader: strings.NewReader(c.data), owner: c}, nil
}

type trackedReader struct {
	io.Reader
	owner *closeTracker
}

func (r *trackedReader) Close() error {
	r.owner.closed.Store(true)
	return nil
}
