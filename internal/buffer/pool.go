// Package buffer pools the staging buffers remote blob stores fill before an upload.
package buffer

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultMaxRetained is the largest buffer capacity returned to the default pool.
// Typical raster tiles are a few KB to a few hundred KB.
const DefaultMaxRetained = 1 << 20

// Pool hands out reusable bytes.Buffers. Buffers that grew beyond maxRetained are
// dropped on Put so one oversized tile does not pin memory.
type Pool struct {
	pool        sync.Pool
	maxRetained int

	gets      atomic.Int64
	puts      atomic.Int64
	discarded atomic.Int64
}

// NewPool creates a pool. maxRetained <= 0 selects DefaultMaxRetained.
func NewPool(maxRetained int) *Pool {
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	return &Pool{
		pool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
		maxRetained: maxRetained,
	}
}

// Get returns an empty buffer
func (p *Pool) Get() *bytes.Buffer {
	p.gets.Add(1)
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns buf to the pool. The caller must not use buf afterwards.
func (p *Pool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > p.maxRetained {
		p.discarded.Add(1)
		return
	}
	p.puts.Add(1)
	buf.Reset()
	p.pool.Put(buf)
}

// ReadAll drains r into a pooled buffer. On error the buffer is already returned.
func (p *Pool) ReadAll(r io.Reader) (*bytes.Buffer, error) {
	buf := p.Get()
	if _, err := buf.ReadFrom(r); err != nil {
		p.Put(buf)
		return nil, err
	}
	return buf, nil
}

// PoolStats counts pool traffic
type PoolStats struct {
	Gets        int64 `json:"gets"`
	Puts        int64 `json:"puts"`
	Discarded   int64 `json:"discarded"`
	MaxRetained int   `json:"max_retained"`
}

// Stats returns the pool counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Gets:        p.gets.Load(),
		Puts:        p.puts.Load(),
		Discarded:   p.discarded.Load(),
		MaxRetained: p.maxRetained,
	}
}

var defaultPool = NewPool(DefaultMaxRetained)

// ReadAll drains r into a buffer from the default pool
func ReadAll(r io.Reader) (*bytes.Buffer, error) {
	return defaultPool.ReadAll(r)
}

// Put returns a buffer to the default pool
func Put(buf *bytes.Buffer) {
	defaultPool.Put(buf)
}

// GetPoolStats returns statistics for the default pool
func GetPoolStats() PoolStats {
	return defaultPool.Stats()
}
