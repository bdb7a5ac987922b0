package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ocpp-rpc/internal/domain"
)

// Environment variables read by Load.
const (
	envPrefix    = "OCPPRPC_"
	envConfigKey = envPrefix + "CONFIG_KEY"
)

// Config is the top-level application configuration.
type Config struct {
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Journal   JournalConfig   `yaml:"journal" toml:"journal"`
	Logger    LoggerConfig    `yaml:"logger" toml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer" toml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty" toml:"includes,omitempty"`
}

// SessionConfig controls the RPC session controller.
type SessionConfig struct {
	// Version selects the codec, e.g. "1.6j".
	Version                 string        `yaml:"version" toml:"version"`
	CallTimeout             time.Duration `yaml:"call_timeout" toml:"call_timeout"` // 0 = wait forever
	FailPendingOnDisconnect bool          `yaml:"fail_pending_on_disconnect" toml:"fail_pending_on_disconnect"`
	RejectDuplicateIDs      bool          `yaml:"reject_duplicate_ids" toml:"reject_duplicate_ids"`
	// IDFormat picks the message id generator: "ulid" or "uuid".
	IDFormat string      `yaml:"id_format" toml:"id_format"`
	Retry    RetryConfig `yaml:"retry" toml:"retry"`
}

// RetryConfig bounds send retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" toml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" toml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" toml:"multiplier"`
}

// TransportConfig describes the WebSocket connection to the central system.
type TransportConfig struct {
	URL          string          `yaml:"url" toml:"url"`
	StationID    string          `yaml:"station_id" toml:"station_id"`
	Username     string          `yaml:"username" toml:"username"`
	Password     string          `yaml:"password" toml:"password"` // supports enc: prefix
	Subprotocol  string          `yaml:"subprotocol" toml:"subprotocol"`
	DialTimeout  time.Duration   `yaml:"dial_timeout" toml:"dial_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout" toml:"write_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Breaker      BreakerConfig   `yaml:"breaker" toml:"breaker"`
}

// RateLimitConfig throttles outgoing frames. PerSecond 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" toml:"per_second"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// BreakerConfig configures the transport circuit breaker. MaxFailures 0
// disables it.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures" toml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	Interval    time.Duration `yaml:"interval" toml:"interval"`
}

// JournalConfig enables the SQLite frame journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Exporter string `yaml:"exporter" toml:"exporter"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.ocpp-rpc.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".ocpp-rpc")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Session: SessionConfig{
			Version:     "1.6j",
			CallTimeout: 30 * time.Second,
			IDFormat:    "ulid",
			Retry: RetryConfig{
				MaxAttempts:     10,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2,
			},
		},
		Transport: TransportConfig{
			URL:          "ws://localhost:9000/ocpp",
			StationID:    "CP-1",
			Subprotocol:  "ocpp1.6",
			DialTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Journal: JournalConfig{
			Path: filepath.Join(defaultDataDir(), "journal.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// unmarshalerFor picks the decoder for path by extension: ".toml" files are
// TOML, everything else YAML.
func unmarshalerFor(path string) func([]byte, any) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal
	}
	return yaml.Unmarshal
}

// Load reads a YAML (or TOML, by extension) config file, applies env var overrides, and decrypts
// secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
		}
		data = nil
	}

	if data != nil {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}

		unmarshal := unmarshalerFor(path)

		// First pass collects the includes list.
		if err := unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse "+path+": "+err.Error())
		}

		if len(cfg.Includes) > 0 {
			visited := map[string]bool{absPath: true}
			if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
				return nil, err
			}
			// The main file wins over anything it includes.
			if err := unmarshal(data, cfg); err != nil {
				return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse "+path+": "+err.Error())
			}
			cfg.Includes = nil
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(envConfigKey); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps OCPPRPC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("SESSION_VERSION", &cfg.Session.Version)
	dur("SESSION_CALL_TIMEOUT", &cfg.Session.CallTimeout)
	boolean("SESSION_FAIL_PENDING_ON_DISCONNECT", &cfg.Session.FailPendingOnDisconnect)
	str("SESSION_ID_FORMAT", &cfg.Session.IDFormat)
	if v := os.Getenv(envPrefix + "SESSION_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.Retry.MaxAttempts = n
		}
	}

	str("TRANSPORT_URL", &cfg.Transport.URL)
	str("TRANSPORT_STATION_ID", &cfg.Transport.StationID)
	str("TRANSPORT_USERNAME", &cfg.Transport.Username)
	str("TRANSPORT_PASSWORD", &cfg.Transport.Password)
	str("TRANSPORT_SUBPROTOCOL", &cfg.Transport.Subprotocol)

	boolean("JOURNAL_ENABLED", &cfg.Journal.Enabled)
	str("JOURNAL_PATH", &cfg.Journal.Path)

	str("LOGGER_LEVEL", &cfg.Logger.Level)
	str("LOGGER_FORMAT", &cfg.Logger.Format)
	boolean("TRACER_ENABLED", &cfg.Tracer.Enabled)
	str("TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
