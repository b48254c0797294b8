package types

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
)

// Tile is one map tile and whatever the cache has learned about it
type Tile struct {
	Coord     maptile.Tile `json:"coord"`
	Timestamp time.Time    `json:"timestamp"`
	Size      int64        `json:"size"`
	Source    Source       `json:"-"`
	Stored    bool         `json:"stored"`
}

// NewTile creates a tile with identity only.
func NewTile(x, y uint32, z maptile.Zoom) *Tile {
	return &Tile{Coord: maptile.New(x, y, z)}
}

// MaxZoom is the deepest level whose x/y still fit in uint32
const MaxZoom = 31

// ParseTile parses "z/x/y" and checks that x and y exist at zoom z.
func ParseTile(s string) (*Tile, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid tile %q: want z/x/y", s)
	}

	var v [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid tile %q: %w", s, err)
		}
		v[i] = n
	}

	z, x, y := v[0], v[1], v[2]
	if z > MaxZoom {
		return nil, fmt.Errorf("invalid tile %q: zoom above %d", s, MaxZoom)
	}
	if limit := uint64(1) << z; x >= limit || y >= limit {
		return nil, fmt.Errorf("invalid tile %q: x and y must be below %d at zoom %d", s, limit, z)
	}

	return NewTile(uint32(x), uint32(y), maptile.Zoom(z)), nil
}

// IsMissing reports whether neither metadata nor payload is known.
func (t *Tile) IsMissing() bool {
	return t.Timestamp.IsZero() && t.Source == nil
}

// String returns "z/x/y".
func (t *Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Coord.Z, t.Coord.X, t.Coord.Y)
}

// BlobProperties is the metadata a blob store keeps per key
type BlobProperties struct {
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
}

// Blob is a downloaded object
type Blob struct {
	Properties BlobProperties
	Body       io.ReadCloser
}

// Timestamp normalizes t to the resolution tiles carry: UTC, whole seconds.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Second)
}

// BytesSource is an in-memory tile payload
type BytesSource []byte

// Open implements Source
func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// FileSource is a tile payload on local disk
type FileSource string

// Open implements Source
func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

// ReadSource returns the full payload of src.
func ReadSource(src Source) ([]byte, error) {
	if b, ok := src.(BytesSource); ok {
		return b, nil
	}
	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
