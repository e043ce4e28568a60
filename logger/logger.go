// Package logger provides structured logging for imapauth.
//
// It wraps log/slog with a process-wide logger configured once at startup:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logFile.Close()
//
// Package-level helpers mirror slog:
//
//	logger.Info("Login verified", logger.User(username), "server", addr)
//	logger.WarnContext(ctx, "Probe failed", "error", err)
//
// Supported outputs are "stderr", "stdout", "syslog" or a file path; formats
// are "json" and "console". Usernames should always be logged through User so
// that logging.hash_usernames and logging.mask_usernames are honored.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"

	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/consts"
	"github.com/migadu/imapauth/helpers"
)

var (
	globalLogger  *slog.Logger
	hashUsernames bool
	maskUsernames bool
)

// syslogHandler wraps syslog.Writer to implement slog.Handler
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message

	attrs := make([]any, 0, len(h.attrs)*2+r.NumAttrs()*2)
	for _, a := range h.attrs {
		attrs = append(attrs, a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key, a.Value.Any())
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s %v", msg, attrs)
	}

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

// Groups are flattened; syslog lines carry plain key/value pairs.
func (h *syslogHandler) WithGroup(string) slog.Handler {
	return h
}

func newStreamHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Initialize sets up the global logger based on configuration. The returned
// file is non-nil only when logging to a file; the caller owns closing it.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	level := parseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	var logFile *os.File

	switch output {
	case "stdout":
		handler = newStreamHandler(os.Stdout, format, opts)

	case "stderr":
		handler = newStreamHandler(os.Stderr, format, opts)

	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintf(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.\n")
			handler = newStreamHandler(os.Stderr, format, opts)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_AUTH, "imapauth")
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
			handler = newStreamHandler(os.Stderr, format, opts)
			break
		}
		handler = &syslogHandler{writer: w, level: level}

	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			handler = newStreamHandler(os.Stderr, format, opts)
			break
		}
		logFile = f
		handler = newStreamHandler(f, format, opts)
	}

	globalLogger = slog.New(handler)
	hashUsernames = cfg.HashUsernames
	maskUsernames = cfg.MaskUsernames
	slog.SetDefault(globalLogger)

	return logFile, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// User returns the attribute under which a username is logged. Hashing takes
// precedence over masking.
func User(username string) slog.Attr {
	switch {
	case hashUsernames:
		return slog.String("user", helpers.UserFingerprint(username))
	case maskUsernames:
		return slog.String("user", helpers.MaskUsername(username))
	}
	return slog.String("user", username)
}

// FromContext returns the global logger annotated with the request ID carried
// by ctx, if any.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if id, ok := ctx.Value(consts.RequestIDKey).(string); ok && id != "" {
			return Get().With("request_id", id)
		}
	}
	return Get()
}

// Info logs an info message with optional key-value pairs
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// InfoContext logs an info message with the request ID from ctx
func InfoContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).InfoContext(ctx, msg, args...)
}

// Debug logs a debug message with optional key-value pairs
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// DebugContext logs a debug message with the request ID from ctx
func DebugContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with optional key-value pairs
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// WarnContext logs a warning message with the request ID from ctx
func WarnContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).WarnContext(ctx, msg, args...)
}

// Error logs an error message with optional key-value pairs
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// ErrorContext logs an error message with the request ID from ctx
func ErrorContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).ErrorContext(ctx, msg, args...)
}

// Fatal logs an error message and exits
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// Infof logs an info message with formatting (compatibility)
func Infof(format string, args ...any) {
	Get().Info(fmt.Sprintf(format, args...))
}

// Warnf logs a warning message with formatting (compatibility)
func Warnf(format string, args ...any) {
	Get().Warn(fmt.Sprintf(format, args...))
}

// Sync flushes any buffered log entries (no-op for slog, kept for compatibility)
func Sync() error {
	return nil
}
