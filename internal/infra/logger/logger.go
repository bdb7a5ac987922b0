// Package logger builds the process-wide slog logger from configuration.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/infra/config"
)

// New creates a configured *slog.Logger writing to cfg.Output. attrs are
// attached to every record, typically StationAttrs.
// The returned closer function should be deferred to flush/close file handles.
func New(cfg config.LoggerConfig, attrs ...slog.Attr) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(newHandler(writer, cfg).WithAttrs(attrs)), closer, nil
}

// NewWriter is New for an arbitrary writer; cfg.Output is ignored.
func NewWriter(w io.Writer, cfg config.LoggerConfig, attrs ...slog.Attr) *slog.Logger {
	return slog.New(newHandler(w, cfg).WithAttrs(attrs))
}

// StationAttrs identifies a charge point session: its station id, the OCPP
// version it speaks and the wire language that version resolves to. Empty
// values are left out.
func StationAttrs(stationID, version string) []slog.Attr {
	var attrs []slog.Attr
	if stationID != "" {
		attrs = append(attrs, slog.String("station", stationID))
	}
	if version != "" {
		attrs = append(attrs, slog.String("ocpp_version", version))
		if lang := domain.ResolveLanguage(version); lang != domain.LanguageUnknown {
			attrs = append(attrs, slog.String("ocpp_language", string(lang)))
		}
	}
	return attrs
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// openOutput returns an io.Writer for the specified output target.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
