package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TAXOMAP_"

type Config struct {
	Server ServerConfig `yaml:"server"`
	Logger LoggerConfig `yaml:"logger"`
	Store  StoreConfig  `yaml:"store"`
	Poll   PollConfig   `yaml:"poll"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	SessionIdleTTL  time.Duration `yaml:"session_idle_ttl"`
}

type LoggerConfig struct {
	Level             string `yaml:"level"`
	Encoding          string `yaml:"encoding"`
	DisableCaller     bool   `yaml:"disable_caller"`
	DisableStacktrace bool   `yaml:"disable_stacktrace"`
}

type StoreConfig struct {
	DSN               string        `yaml:"dsn"`
	Token             string        `yaml:"token"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Jitter   float64       `yaml:"jitter"`
	Timeout  time.Duration `yaml:"timeout"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8090",
			MaxBodyBytes:    1 << 20,
			RateLimitMax:    600,
			RateLimitWindow: time.Minute,
			SessionIdleTTL:  30 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:             "info",
			Encoding:          "json",
			DisableStacktrace: true,
		},
		Store: StoreConfig{
			DSN:               "file://taxomap.json",
			RequestsPerMinute: 60,
			Timeout:           30 * time.Second,
		},
		Poll: PollConfig{
			Interval: 30 * time.Second,
			Jitter:   0.2,
			Timeout:  20 * time.Second,
		},
	}
}

// Load layers defaults, an optional YAML file, a .env file and TAXOMAP_*
// environment variables, later sources winning.
func Load(path string) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	// godotenv never overrides variables already present in the process.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Poll.Jitter < 0 || c.Poll.Jitter > 1 {
		errs = append(errs, errors.New("poll.jitter must be within [0,1]"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s=%q", envPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	integer64 := func(name string, dst *int64) {
		if v, ok := lookup(name); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s=%q", envPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s=%q", envPrefix, name, v))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s=%q", envPrefix, name, v))
				return
			}
			*dst = d
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s=%q", envPrefix, name, v))
				return
			}
			*dst = f
		}
	}

	str("ADDR", &cfg.Server.Addr)
	integer64("MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)
	integer("RATE_LIMIT_MAX", &cfg.Server.RateLimitMax)
	duration("RATE_LIMIT_WINDOW", &cfg.Server.RateLimitWindow)
	duration("SESSION_IDLE_TTL", &cfg.Server.SessionIdleTTL)

	str("LOG_LEVEL", &cfg.Logger.Level)
	str("LOG_ENCODING", &cfg.Logger.Encoding)
	boolean("LOG_DISABLE_CALLER", &cfg.Logger.DisableCaller)
	boolean("LOG_DISABLE_STACKTRACE", &cfg.Logger.DisableStacktrace)

	str("STORE_DSN", &cfg.Store.DSN)
	str("STORE_TOKEN", &cfg.Store.Token)
	integer("STORE_REQUESTS_PER_MINUTE", &cfg.Store.RequestsPerMinute)
	duration("STORE_TIMEOUT", &cfg.Store.Timeout)

	duration("POLL_INTERVAL", &cfg.Poll.Interval)
	float("POLL_JITTER", &cfg.Poll.Jitter)
	duration("POLL_TIMEOUT", &cfg.Poll.Timeout)
	return errors.Join(errs...)
}

func lookup(name string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(envPrefix + name))
	if value == "" {
		return "", false
	}
	return value, true
}
