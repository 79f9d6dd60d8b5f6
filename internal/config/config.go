package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file read when BOOKBUDDY_CONFIG is unset.
const ConfigPath = "config.yaml"

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Duration is a time.Duration written as a Go duration string ("5s", "1m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string   `yaml:"port"`
	LogLevel                string   `yaml:"logLevel"`
	DatabaseURL             string   `yaml:"databaseURL"`
	StoreDriver             string   `yaml:"storeDriver"`
	StoreTimeout            Duration `yaml:"storeTimeout"`
	RedisAddr               string   `yaml:"redisAddr"`
	RedisPassword           string   `yaml:"redisPassword"`
	TrustedProxyCIDRs       []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins      []string `yaml:"corsAllowedOrigins"`
	WriteRateLimitPerMinute int      `yaml:"writeRateLimitPerMinute"`
	ReconcileOnStartup      bool     `yaml:"reconcileOnStartup"`
	ReconcileInterval       Duration `yaml:"reconcileInterval"`
	MaxBodyBytes            int64    `yaml:"maxBodyBytes"`
	ShutdownTimeout         Duration `yaml:"shutdownTimeout"`
}

func defaults() FileConfig {
	return FileConfig{
		Port:                    "8080",
		LogLevel:                "info",
		StoreDriver:             StoreDriverPostgres,
		StoreTimeout:            Duration(5 * time.Second),
		WriteRateLimitPerMinute: 120,
		MaxBodyBytes:            1 << 20,
		ShutdownTimeout:         Duration(10 * time.Second),
	}
}

// PathFromEnv returns BOOKBUDDY_CONFIG, or "" when unset so Load falls back
// to an optional ConfigPath.
func PathFromEnv() string {
	return strings.TrimSpace(os.Getenv("BOOKBUDDY_CONFIG"))
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and validates the result. A missing default config.yaml is not an
// error so the service can be configured from the environment alone.
func Load(path string) (FileConfig, error) {
	cfg := defaults()
	explicit := path != ""
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("BOOKBUDDY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BOOKBUDDY_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("BOOKBUDDY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("BOOKBUDDY_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("BOOKBUDDY_STORE_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("config: BOOKBUDDY_STORE_TIMEOUT: %w", err)
		}
		cfg.StoreTimeout = Duration(d)
	}
	if v := os.Getenv("BOOKBUDDY_RECONCILE_INTERVAL"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("config: BOOKBUDDY_RECONCILE_INTERVAL: %w", err)
		}
		cfg.ReconcileInterval = Duration(d)
	}
	if v := os.Getenv("BOOKBUDDY_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("config: BOOKBUDDY_SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = Duration(d)
	}
	if v := os.Getenv("BOOKBUDDY_RECONCILE_ON_STARTUP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: BOOKBUDDY_RECONCILE_ON_STARTUP: %w", err)
		}
		cfg.ReconcileOnStartup = b
	}
	if v := os.Getenv("BOOKBUDDY_WRITE_RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: BOOKBUDDY_WRITE_RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.WriteRateLimitPerMinute = n
	}
	if v := os.Getenv("BOOKBUDDY_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: BOOKBUDDY_MAX_BODY_BYTES: %w", err)
		}
		cfg.MaxBodyBytes = n
	}
	return nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres store (set in config.yaml or DATABASE_URL)")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("config: storeDriver must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, cfg.StoreDriver)
	}
	if cfg.StoreTimeout <= 0 {
		return errors.New("config: storeTimeout must be positive")
	}
	if cfg.ReconcileInterval < 0 {
		return errors.New("config: reconcileInterval must not be negative")
	}
	if cfg.WriteRateLimitPerMinute < 0 {
		return errors.New("config: writeRateLimitPerMinute must not be negative")
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("config: maxBodyBytes must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("config: shutdownTimeout must be positive")
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
