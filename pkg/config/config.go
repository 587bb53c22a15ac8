// Package config loads the gateway configuration from YAML or JSON files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/syncgw/internal/logging"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Backend modes.
const (
	ModeSpawn    = "spawn"
	ModeExternal = "external"
	ModeEcho     = "echo"
)

// Replay stores.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type TLS struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Enabled reports whether both certificate and key are configured.
func (t TLS) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type Session struct {
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

// Backend selects and configures the actor the gateway forwards to.
type Backend struct {
	Mode           string            `mapstructure:"mode"`
	Command        string            `mapstructure:"command"`
	Args           []string          `mapstructure:"args"`
	Env            map[string]string `mapstructure:"env"`
	Address        string            `mapstructure:"address"`
	ConnectTimeout time.Duration     `mapstructure:"connect_timeout"`
	TargetConfig   string            `mapstructure:"target_config"`
	Transport      string            `mapstructure:"transport"`
}

type Replay struct {
	Store    string        `mapstructure:"store"`
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete gateway configuration.
type Config struct {
	Listen              string   `mapstructure:"listen"`
	BasePath            string   `mapstructure:"base_path"`
	TLS                 TLS      `mapstructure:"tls"`
	MaxBodyBytes        int64    `mapstructure:"max_body_bytes"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
	Session             Session  `mapstructure:"session"`
	Backend             Backend  `mapstructure:"backend"`
	Replay              Replay   `mapstructure:"replay"`
	Redis               Redis    `mapstructure:"redis"`
	Metrics             Metrics  `mapstructure:"metrics"`
	Log                 Log      `mapstructure:"log"`
}

// Defaults returns the configuration used for every key a file leaves out.
func Defaults() *Config {
	return &Config{
		Listen:       ":8080",
		BasePath:     "/",
		MaxBodyBytes: 10 << 20,
		AllowedContentTypes: []string{
			"application/vnd.syncml+xml",
			"application/vnd.syncml+wbxml",
		},
		Session: Session{
			IdleTimeout:    5 * time.Minute,
			ReapInterval:   30 * time.Second,
			ProcessTimeout: 10 * time.Second,
		},
		Backend: Backend{
			Mode:           ModeSpawn,
			Command:        "syncevo-dbus-helper",
			ConnectTimeout: 10 * time.Second,
			Transport:      "HTTP",
		},
		Replay: Replay{
			Store:    StoreMemory,
			Capacity: 1024,
			TTL:      10 * time.Minute,
		},
		Redis: Redis{
			Addr:   "localhost:6379",
			Prefix: "syncgw:replay:",
		},
		Metrics: Metrics{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
// An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var raw map[string]any
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	} else {
		// Default to YAML
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	}

	if err := Decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges raw over cfg. Durations may be written as "30s" and
// scalars are converted leniently; unknown keys are rejected.
func Decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		ZeroFields:       true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Listen != "", "listen must not be empty")
	check(strings.HasPrefix(c.BasePath, "/"), "base_path %q must start with /", c.BasePath)
	check((c.TLS.CertFile == "") == (c.TLS.KeyFile == ""), "tls needs both cert_file and key_file")
	check(c.MaxBodyBytes > 0, "max_body_bytes must be positive")
	check(c.Session.IdleTimeout >= 0, "session.idle_timeout must not be negative")
	check(c.Session.ReapInterval > 0 || c.Session.IdleTimeout == 0, "session.reap_interval must be positive")
	check(c.Session.ProcessTimeout > 0, "session.process_timeout must be positive")

	switch c.Backend.Mode {
	case ModeSpawn:
		check(c.Backend.Command != "", "backend.command is required in spawn mode")
	case ModeExternal:
		check(c.Backend.Address != "", "backend.address is required in external mode")
	case ModeEcho:
	default:
		errs = append(errs, fmt.Errorf("unknown backend.mode %q", c.Backend.Mode))
	}

	switch c.Replay.Store {
	case StoreMemory:
		check(c.Replay.Capacity > 0, "replay.capacity must be positive")
	case StoreRedis:
		check(c.Redis.Addr != "", "redis.addr is required for the redis replay store")
		check(c.Replay.TTL >= 0, "replay.ttl must not be negative")
	default:
		errs = append(errs, fmt.Errorf("unknown replay.store %q", c.Replay.Store))
	}

	if c.Metrics.Enabled {
		check(strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path %q must start with /", c.Metrics.Path)
		check(c.Metrics.Path != c.BasePath, "metrics.path must differ from base_path")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
