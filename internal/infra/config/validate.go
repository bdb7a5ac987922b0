package config

import (
	"fmt"
	"net/url"
	"strings"

	"ocpp-rpc/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSession(cfg, ve)
	validateTransport(cfg, ve)
	validateJournal(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validIDFormats = map[string]bool{
	"ulid": true,
	"uuid": true,
}

func validateSession(cfg *Config, ve *ValidationError) {
	s := cfg.Session
	if s.Version == "" {
		ve.Add("session.version must not be empty")
	} else if domain.ResolveLanguage(s.Version) == domain.LanguageUnknown {
		ve.Add("session.version %q has no known transport language (want a j or s suffix, e.g. 1.6j)", s.Version)
	}
	if s.CallTimeout < 0 {
		ve.Add("session.call_timeout must be >= 0")
	}
	if !validIDFormats[s.IDFormat] {
		ve.Add("session.id_format %q is invalid (want: ulid, uuid)", s.IDFormat)
	}

	r := s.Retry
	if r.MaxAttempts <= 0 {
		ve.Add("session.retry.max_attempts must be > 0")
	}
	if r.InitialInterval < 0 {
		ve.Add("session.retry.initial_interval must be >= 0")
	}
	if r.MaxInterval < 0 {
		ve.Add("session.retry.max_interval must be >= 0")
	}
	if r.MaxInterval > 0 && r.InitialInterval > r.MaxInterval {
		ve.Add("session.retry.initial_interval must not exceed max_interval")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		ve.Add("session.retry.multiplier must be >= 1")
	}
}

var validSchemes = map[string]bool{
	"ws":  true,
	"wss": true,
}

func validateTransport(cfg *Config, ve *ValidationError) {
	t := cfg.Transport
	if t.URL == "" {
		ve.Add("transport.url must not be empty")
	} else {
		u, err := url.Parse(t.URL)
		switch {
		case err != nil:
			ve.Add("transport.url %q is invalid: %v", t.URL, err)
		case !validSchemes[u.Scheme]:
			ve.Add("transport.url scheme %q is invalid (want: ws, wss)", u.Scheme)
		case u.Host == "":
			ve.Add("transport.url %q has no host", t.URL)
		}
	}
	if t.StationID == "" {
		ve.Add("transport.station_id must not be empty")
	} else if strings.ContainsAny(t.StationID, "/?#") {
		ve.Add("transport.station_id %q must not contain '/', '?' or '#'", t.StationID)
	}
	if t.Password != "" && t.Username == "" {
		ve.Add("transport.username is required when password is set")
	}
	if strings.HasPrefix(t.Password, EncryptedPrefix) {
		ve.Add("transport.password is encrypted but %s is not set", envConfigKey)
	}
	if t.DialTimeout <= 0 {
		ve.Add("transport.dial_timeout must be > 0")
	}
	if t.WriteTimeout <= 0 {
		ve.Add("transport.write_timeout must be > 0")
	}
	if t.RateLimit.PerSecond < 0 {
		ve.Add("transport.rate_limit.per_second must be >= 0")
	}
	if t.RateLimit.PerSecond > 0 && t.RateLimit.Burst <= 0 {
		ve.Add("transport.rate_limit.burst must be > 0 when per_second is set")
	}
	if t.Breaker.MaxFailures > 0 && t.Breaker.Timeout <= 0 {
		ve.Add("transport.breaker.timeout must be > 0 when max_failures is set")
	}
	if t.Breaker.Interval < 0 {
		ve.Add("transport.breaker.interval must be >= 0")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		ve.Add("journal.path is required when journal is enabled")
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

var validExporters = map[string]bool{
	"noop":   true,
	"stdout": true,
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
