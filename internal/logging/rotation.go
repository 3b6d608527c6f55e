package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig holds configuration for log rotation.
type RotationConfig struct {
	// MaxSizeMB is the size in megabytes at which the file is rotated.
	// 0 disables rotation.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept as name.1 .. name.N.
	MaxBackups int
}

// DefaultRotationConfig returns the rotation settings used when the config
// file does not override them.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeMB: 10, MaxBackups: 3}
}

// RotatingWriter is an io.WriteCloser over a log file that is renamed to
// path.1 once it grows past the configured size. It is safe for concurrent use.
type RotatingWriter struct {
	mu sync.Mutex

	path       string
	maxBytes   int64
	maxBackups int

	file *os.File
	size int64
}

// NewRotatingWriter opens (appending) or creates the file at path, creating
// parent directories as needed.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:       path,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// open must be called with mu held (or before rw is shared).
func (rw *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(rw.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would push the file past the limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, fmt.Errorf("log file is closed")
	}

	if rw.maxBytes > 0 && rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	rw.file = nil

	if rw.maxBackups <= 0 {
		_ = os.Remove(rw.path)
		return rw.open()
	}

	_ = os.Remove(rw.backup(rw.maxBackups))
	for i := rw.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(rw.backup(i), rw.backup(i+1))
	}
	if err := os.Rename(rw.path, rw.backup(1)); err != nil {
		if openErr := rw.open(); openErr != nil {
			return fmt.Errorf("failed to rename log file and reopen: %w", openErr)
		}
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	return rw.open()
}

func (rw *RotatingWriter) backup(n int) string {
	return fmt.Sprintf("%s.%d", rw.path, n)
}

// Close syncs and closes the file. Further writes fail.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	if err := rw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// Size returns the current size of the active file in bytes.
func (rw *RotatingWriter) Size() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.size
}
