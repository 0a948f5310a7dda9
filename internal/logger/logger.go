// Package logger is the process-wide structured logger: slog over stdout
// and/or a lumberjack-rotated file, with a dynamically adjustable level.
//
// Log values are scrubbed before they are written. Remote media sources
// arrive as URLs that can carry credentials (userinfo, signed query
// strings), and those URLs get logged at submit, fetch, and retry sites;
// scrubbing here means no call site has to remember to do it.
package logger

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Logger       *slog.Logger
	levelVar     *slog.LevelVar // for dynamic log level changes
	outputCloser io.Closer      // to handle graceful shutdown of log files
)

// Keys whose values are dropped outright.
var sensitiveKeywords = []string{
	"password", "secret", "token", "auth", "credential", "api_key", "apikey", "cookie",
}

// Keys whose values are media URLs: scrubbed rather than dropped, so the
// log line still identifies which source a session was working on.
var mediaSourceKeys = []string{"audio_source", "url", "source"}

// InitLogger initializes the logging system with rotation and multiple outputs.
func InitLogger(level slog.Level, format, output, filePath string, maxSize, maxBackups, maxAge int, compress bool) {
	levelVar = &slog.LevelVar{}
	levelVar.Set(level)

	var writers []io.Writer
	if output == "console" || output == "both" {
		writers = append(writers, os.Stdout)
	}

	if output == "file" || output == "both" {
		lj := &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   compress,
		}
		writers = append(writers, lj)
		outputCloser = lj
	}

	mw := io.MultiWriter(writers...)

	opts := &slog.HandlerOptions{
		Level: levelVar,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Simplify time format for better readability
			if a.Key == slog.TimeKey {
				t := a.Value.Time()
				return slog.String("time", t.Format("2006-01-02T15:04:05.000Z07:00"))
			}
			return sanitizeAttr(a)
		},
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(mw, opts)
	} else {
		handler = slog.NewTextHandler(mw, opts)
	}

	Logger = slog.New(handler)
}

// SetLevel dynamically updates the log level at runtime.
func SetLevel(level string) {
	if levelVar != nil {
		levelVar.Set(parseSlogLevel(level))
	}
}

// Close ensures all logs are flushed and file handles are closed.
func Close() error {
	if outputCloser != nil {
		return outputCloser.Close()
	}
	return nil
}

// InitFromConfig initializes the logger using individual parameters to avoid package cycles.
func InitFromConfig(level, format, output, filePath string, maxSize, maxBackups, maxAge int, compress bool) {
	InitLogger(
		parseSlogLevel(level),
		format,
		output,
		filePath,
		maxSize,
		maxBackups,
		maxAge,
		compress,
	)
}

func parseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Convenience functions that use the global Logger.
// These support structured logging via key-value pairs (args... any).
// Example: logger.Info("message", "key", value)

func Info(msg string, args ...any) {
	if Logger != nil {
		Logger.Info(msg, args...)
	}
}

func Error(msg string, args ...any) {
	if Logger != nil {
		Logger.Error(msg, args...)
	}
}

func Warn(msg string, args ...any) {
	if Logger != nil {
		Logger.Warn(msg, args...)
	}
}

func Debug(msg string, args ...any) {
	if Logger != nil {
		Logger.Debug(msg, args...)
	}
}

// WithSession returns a child logger stamped with the session id and, when
// present, the submitting request's id, so one session's decode, dispatch,
// and cleanup lines group together across goroutines. requestID is empty
// for CLI-submitted jobs.
func WithSession(sessionID, requestID string) *slog.Logger {
	if Logger == nil {
		return nil
	}
	l := Logger.With(slog.String("session_id", sessionID))
	if requestID != "" {
		l = l.With(slog.String("request_id", requestID))
	}
	return l
}

// sanitizeAttr scrubs an attribute before it reaches a handler: credential
// keys are dropped, media-source keys have their URL stripped of userinfo
// and query credentials.
func sanitizeAttr(a slog.Attr) slog.Attr {
	keyLower := strings.ToLower(a.Key)

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(keyLower, keyword) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	for _, key := range mediaSourceKeys {
		if keyLower == key && a.Value.Kind() == slog.KindString {
			return slog.String(a.Key, ScrubURL(a.Value.String()))
		}
	}

	// Handle nested groups
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		sanitized := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			sanitized[i] = sanitizeAttr(attr)
		}
		return slog.Group(a.Key, toAny(sanitized)...)
	}

	return a
}

// ScrubURL strips userinfo, query, and fragment from a media URL. Signed
// download URLs carry their credentials in the query string, so the whole
// query goes, not just recognised parameter names. Non-URL values (local
// file paths) pass through untouched.
func ScrubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// toAny converts []slog.Attr to []any for slog.Group
func toAny(attrs []slog.Attr) []any {
	result := make([]any, len(attrs))
	for i, attr := range attrs {
		result[i] = attr
	}
	return result
}
