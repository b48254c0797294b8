package circuit

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/objectfs/tilecache/pkg/types"
)

// GuardedStore runs every call of a BlobStore through a Breaker
type GuardedStore struct {
	store   types.BlobStore
	breaker *Breaker
}

// Guard wraps store. State changes are logged at Warn.
func Guard(name string, store types.BlobStore, config Config, logger *zap.Logger) *GuardedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	onChange := config.OnStateChange
	config.OnStateChange = func(name string, from, to State) {
		logger.Warn("Blob store circuit breaker changed state",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
		if onChange != nil {
			onChange(name, from, to)
		}
	}

	return &GuardedStore{
		store:   store,
		breaker: NewBreaker(name, config),
	}
}

// Breaker returns the breaker guarding the store
func (g *GuardedStore) Breaker() *Breaker {
	return g.breaker
}

// Unwrap returns the guarded store
func (g *GuardedStore) Unwrap() types.BlobStore {
	return g.store
}

func (g *GuardedStore) GetProperties(ctx context.Context, key string) (*types.BlobProperties, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	props, err := g.store.GetProperties(ctx, key)
	g.breaker.Done(err)
	return props, err
}

func (g *GuardedStore) Download(ctx context.Context, key string) (*types.Blob, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	blob, err := g.store.Download(ctx, key)
	g.breaker.Done(err)
	return blob, err
}

func (g *GuardedStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	err := g.store.Upload(ctx, key, body, contentType)
	g.breaker.Done(err)
	return err
}

func (g *GuardedStore) Delete(ctx context.Context, key string) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	err := g.store.Delete(ctx, key)
	g.breaker.Done(err)
	return err
}

// Close closes the guarded store if it holds resources
func (g *GuardedStore) Close() error {
	if closer, ok := g.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
