// Package memory is an in-process BlobStore with optional LRU bounds.
//
// It backs the "memory" storage backend and the tile cache tests. With MaxBytes or
// MaxEntries set, the least recently used objects are evicted first, so the store can
// double as a bounded scratch cache.
package memory

import (
	"bytes"
	"container/list"
	"context"
	"io"
	"sync"
	"time"

	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/types"
)

// Config bounds the store. Zero values mean unbounded.
type Config struct {
	MaxBytes   int64 `yaml:"max_bytes" env:"MAX_BYTES"`
	MaxEntries int   `yaml:"max_entries" env:"MAX_ENTRIES"`
}

// Stats reports store activity
type Stats struct {
	Objects   int    `json:"objects"`
	Bytes     int64  `json:"bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type object struct {
	key         string
	data        []byte
	contentType string
	modified    time.Time
	element     *list.Element
}

// Store implements types.BlobStore in memory
type Store struct {
	mu        sync.Mutex
	config    Config
	objects   map[string]*object
	evictList *list.List
	size      int64
	stats     Stats
	now       func() time.Time
}

var _ types.BlobStore = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the modification time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store
func New(config Config, opts ...Option) *Store {
	s := &Store{
		config:    config,
		objects:   make(map[string]*object),
		evictList: list.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetProperties implements types.BlobStore
func (s *Store) GetProperties(ctx context.Context, key string) (*types.BlobProperties, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.lookup(key, "GetProperties")
	if err != nil {
		return nil, err
	}
	props := obj.properties()
	return &props, nil
}

// Download implements types.BlobStore. The body is a private copy.
func (s *Store) Download(ctx context.Context, key string) (*types.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.lookup(key, "Download")
	if err != nil {
		return nil, err
	}

	data := make([]byte, len(obj.data))
	copy(data, obj.data)

	return &types.Blob{
		Properties: obj.properties(),
		Body:       io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// Upload implements types.BlobStore
func (s *Store) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to read upload body").
			WithComponent("memory").WithOperation("Upload").WithKey(key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, ok := s.objects[key]; ok {
		s.size -= int64(len(obj.data))
		obj.data = data
		obj.contentType = contentType
		obj.modified = s.now()
		s.size += int64(len(data))
		s.evictList.MoveToFront(obj.element)
	} else {
		obj := &object{
			key:         key,
			data:        data,
			contentType: contentType,
			modified:    s.now(),
		}
		obj.element = s.evictList.PushFront(key)
		s.objects[key] = obj
		s.size += int64(len(data))
	}

	s.evictIfNeeded()
	return nil
}

// Delete implements types.BlobStore. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(key)
	return nil
}

// Len returns the number of stored objects
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Keys returns every stored key, most recently used first
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, s.evictList.Len())
	for e := s.evictList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Stats returns store statistics
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Objects = len(s.objects)
	stats.Bytes = s.size
	return stats
}

func (s *Store) lookup(key, op string) (*object, error) {
	obj, ok := s.objects[key]
	if !ok {
		s.stats.Misses++
		return nil, errors.NewError(errors.ErrCodeObjectNotFound, "object not found").
			WithComponent("memory").WithOperation(op).WithKey(key)
	}
	s.stats.Hits++
	s.evictList.MoveToFront(obj.element)
	return obj, nil
}

func (o *object) properties() types.BlobProperties {
	return types.BlobProperties{
		LastModified: o.modified,
		Size:         int64(len(o.data)),
		ContentType:  o.contentType,
	}
}

func (s *Store) remove(key string) bool {
	obj, ok := s.objects[key]
	if !ok {
		return false
	}
	s.evictList.Remove(obj.element)
	delete(s.objects, key)
	s.size -= int64(len(obj.data))
	return true
}

func (s *Store) evictIfNeeded() {
	for s.config.MaxBytes > 0 && s.size > s.config.MaxBytes && s.evictList.Len() > 0 {
		s.evictOldest()
	}
	for s.config.MaxEntries > 0 && len(s.objects) > s.config.MaxEntries && s.evictList.Len() > 0 {
		s.evictOldest()
	}
}

func (s *Store) evictOldest() {
	element := s.evictList.Back()
	if element == nil {
		return
	}
	if s.remove(element.Value.(string)) {
		s.stats.Evictions++
	}
}
