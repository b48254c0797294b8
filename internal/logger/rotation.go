package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileConfig adds a size-rotated log file next to stderr output
type FileConfig struct {
	// Path of the active log file. Empty disables file output.
	Path string `yaml:"path" env:"PATH"`

	// MaxSizeMB rotates the file once it would grow past this size (0 = never)
	MaxSizeMB int64 `yaml:"max_size_mb" env:"MAX_SIZE_MB"`

	// MaxBackups is the number of rotated files kept (0 = keep all)
	MaxBackups int `yaml:"max_backups" env:"MAX_BACKUPS"`

	// Compress gzips rotated files
	Compress bool `yaml:"compress" env:"COMPRESS"`
}

// RotatingFile is an io.Writer that rotates its file by size. Rotated files are named
// <name>-<UTC timestamp><ext>, with .gz appended when compressed.
type RotatingFile struct {
	mu sync.Mutex

	config FileConfig
	file   *os.File
	size   int64
	now    func() time.Time
}

// OpenRotatingFile opens or creates config.Path for appending
func OpenRotatingFile(config FileConfig) (*RotatingFile, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}

	r := &RotatingFile{config: config, now: time.Now}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write implements io.Writer
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	if max := r.config.MaxSizeMB * 1024 * 1024; max > 0 && r.size > 0 && r.size+int64(len(p)) > max {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Sync flushes the log file
func (r *RotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close closes the log file
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Rotate moves the active file aside and starts a new one
func (r *RotatingFile) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(r.config.Path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(r.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	return nil
}

func (r *RotatingFile) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		r.file = nil
	}

	backup := r.backupName(r.now().UTC())
	if err := os.Rename(r.config.Path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	// Compression and pruning failures must not stop logging.
	if r.config.Compress {
		if err := gzipFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress log file %s: %v\n", backup, err)
		}
	}
	if err := r.prune(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prune log backups: %v\n", err)
	}

	return r.open()
}

func (r *RotatingFile) splitName() (dir, prefix, ext string) {
	dir = filepath.Dir(r.config.Path)
	base := filepath.Base(r.config.Path)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

func (r *RotatingFile) backupName(t time.Time) string {
	dir, prefix, ext := r.splitName()
	name := fmt.Sprintf("%s-%s%s", prefix, t.Format("2006-01-02T15-04-05.000"), ext)
	return filepath.Join(dir, name)
}

// backups lists rotated files, oldest first. The timestamp format sorts lexically.
func (r *RotatingFile) backups() ([]string, error) {
	dir, prefix, ext := r.splitName()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *RotatingFile) prune() error {
	if r.config.MaxBackups <= 0 {
		return nil
	}

	names, err := r.backups()
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.config.Path)
	for len(names) > r.config.MaxBackups {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil && !os.IsNotExist(err) {
			return err
		}
		names = names[1:]
	}
	return nil
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
