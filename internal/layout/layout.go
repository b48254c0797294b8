// Package layout turns tile coordinates into blob store keys.
//
// Five layouts are supported:
//
//	tms      {base}/{z}/{x}/{y}.{ext}
//	mp       {base}/{z:02}/{x:10 as 2+4+4}/{y:10 as 2+4+4}.{ext}
//	tc       {base}/{z:02}/{x:9 as 3+3+3}/{y:9 as 3+3+3}.{ext}
//	quadkey  {base}/{quadkey}.{ext}
//	arcgis   {base}/L{z:02}/R{y:08x}/C{x:08x}.{ext}
//
// Keys never start with "/".
package layout

import (
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb/maptile"

	"github.com/objectfs/tilecache/pkg/errors"
)

const (
	TMS     = "tms"
	MP      = "mp"
	TC      = "tc"
	Quadkey = "quadkey"
	ArcGIS  = "arcgis"
)

type pathFunc func(t maptile.Tile) string

var layouts = map[string]pathFunc{
	TMS:     tmsPath,
	MP:      mpPath,
	TC:      tcPath,
	Quadkey: quadkeyPath,
	ArcGIS:  arcgisPath,
}

// Names returns the supported layout names, sorted.
func Names() []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scheme derives keys for one (layout, base path, extension) combination.
// It is immutable and safe for concurrent use.
type Scheme struct {
	name string
	base string
	ext  string
	path pathFunc
}

// New validates the configuration and returns a Scheme.
func New(name, basePath, ext string) (*Scheme, error) {
	path, ok := layouts[name]
	if !ok {
		return nil, configError(fmt.Sprintf("unknown directory layout %q (supported: %s)",
			name, strings.Join(Names(), ", ")))
	}

	switch {
	case ext == "":
		return nil, configError("file extension is required")
	case strings.HasPrefix(ext, "."):
		return nil, configError(fmt.Sprintf("file extension %q must not start with a dot", ext))
	case strings.Contains(ext, "/"):
		return nil, configError(fmt.Sprintf("file extension %q must not contain '/'", ext))
	}

	if strings.Contains(basePath, `\`) {
		return nil, configError(fmt.Sprintf("base path %q must use '/' separators", basePath))
	}
	for _, segment := range strings.Split(basePath, "/") {
		if segment == ".." {
			return nil, configError(fmt.Sprintf("base path %q must not contain '..'", basePath))
		}
	}

	return &Scheme{
		name: name,
		base: strings.TrimRight(basePath, "/"),
		ext:  ext,
		path: path,
	}, nil
}

// Name returns the layout name
func (s *Scheme) Name() string { return s.name }

// Ext returns the file extension without a dot
func (s *Scheme) Ext() string { return s.ext }

// Key returns the storage key for t.
func (s *Scheme) Key(t maptile.Tile) string {
	key := s.base + "/" + s.path(t) + "." + s.ext
	return strings.TrimLeft(key, "/")
}

func configError(msg string) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, msg).WithComponent("layout")
}

func tmsPath(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

func mpPath(t maptile.Tile) string {
	return fmt.Sprintf("%02d/%s/%s", t.Z, groups(t.X, 10, 2, 4, 4), groups(t.Y, 10, 2, 4, 4))
}

func tcPath(t maptile.Tile) string {
	return fmt.Sprintf("%02d/%s/%s", t.Z, groups(t.X, 9, 3, 3, 3), groups(t.Y, 9, 3, 3, 3))
}

func arcgisPath(t maptile.Tile) string {
	return fmt.Sprintf("L%02d/R%08x/C%08x", t.Z, t.Y, t.X)
}

func quadkeyPath(t maptile.Tile) string {
	return quadkey(t)
}

// quadkey encodes one base-4 digit per zoom level, most significant first.
// Level 0 is the empty string.
func quadkey(t maptile.Tile) string {
	var b strings.Builder
	b.Grow(int(t.Z))
	for i := int(t.Z); i > 0; i-- {
		mask := uint32(1) << (i - 1)
		digit := byte('0')
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		b.WriteByte(digit)
	}
	return b.String()
}

// groups zero-pads v to width digits and splits it into the given group sizes.
func groups(v uint32, width int, sizes ...int) string {
	digits := fmt.Sprintf("%0*d", width, v)
	// values wider than the padding keep their extra leading digits in the first group
	extra := len(digits) - width

	parts := make([]string, 0, len(sizes))
	pos := 0
	for i, size := range sizes {
		end := pos + size
		if i == 0 {
			end += extra
		}
		parts = append(parts, digits[pos:end])
		pos = end
	}
	return strings.Join(parts, "/")
}
