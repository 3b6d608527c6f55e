package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName is the name of the log file created inside the log directory.
const LogFileName = "iolink.log"

// Logger provides structured logging with persistent attributes.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	closer io.Closer
	mu     *sync.Mutex // shared with children; protects closer
	attrs  []slog.Attr
}

// NewLogger creates a Logger that writes JSON lines to {dir}/iolink.log.
// If dir is empty, logs go to stderr. The level is one of DEBUG, INFO, WARN
// or ERROR; anything else means INFO.
func NewLogger(dir string, level string) (*Logger, error) {
	return NewLoggerWithRotation(dir, level, RotationConfig{})
}

// NewLoggerWithRotation is NewLogger with size-based rotation of the log file.
// A zero RotationConfig disables rotation.
func NewLoggerWithRotation(dir string, level string, rotation RotationConfig) (*Logger, error) {
	if dir == "" {
		return newLogger(os.Stderr, nil, level), nil
	}

	rw, err := NewRotatingWriter(filepath.Join(dir, LogFileName), rotation)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return newLogger(rw, rw, level), nil
}

// NewWriterLogger creates a Logger writing JSON lines to w. Tests use it to
// capture output.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return newLogger(w, nil, level)
}

func newLogger(w io.Writer, closer io.Closer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{
		logger: slog.New(handler),
		closer: closer,
		mu:     &sync.Mutex{},
	}
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithDomain returns a child Logger tagged with a lock domain name.
func (l *Logger) WithDomain(domain string) *Logger {
	return l.withAttr(slog.String("domain", domain))
}

// WithComponent returns a child Logger tagged with a subsystem component
// ("lock", "rpc", "dispatch", ...).
func (l *Logger) WithComponent(component string) *Logger {
	return l.withAttr(slog.String("component", component))
}

// With returns a child Logger with arbitrary key-value attributes.
// Keys and values are provided as alternating arguments; non-string keys
// are skipped.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	attrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	attrs = append(attrs, l.attrs...)
	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}

	return &Logger{logger: l.logger, closer: l.closer, mu: l.mu, attrs: attrs}
}

func (l *Logger) withAttr(attr slog.Attr) *Logger {
	attrs := make([]slog.Attr, len(l.attrs)+1)
	copy(attrs, l.attrs)
	attrs[len(l.attrs)] = attr
	return &Logger{logger: l.logger, closer: l.closer, mu: l.mu, attrs: attrs}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

// Critical logs at ERROR level with critical=true. Lock misuse by a calling
// driver is reported this way.
func (l *Logger) Critical(msg string, args ...any) {
	l.log(slog.LevelError, msg, append([]any{"critical", true}, args...)...)
}

// Enabled reports whether messages at the given level would be written.
func (l *Logger) Enabled(level string) bool {
	return l.logger.Enabled(context.Background(), parseLevel(level))
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	all := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		all = append(all, attr.Key, attr.Value.Any())
	}
	all = append(all, args...)

	l.logger.Log(context.Background(), level, msg, all...)
}

// Close flushes and closes the log file. Loggers writing to stderr or to a
// caller-supplied writer are unaffected.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// NopLogger returns a Logger that discards all output.
func NopLogger() *Logger {
	return newLogger(io.Discard, nil, LevelError)
}

// ParseLevel normalizes a level string to one of the level constants.
// Returns LevelInfo if the level string is not recognized.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return strings.ToUpper(level)
	default:
		return LevelInfo
	}
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
