package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Planning PlanningConfig `yaml:"planning"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Tracking TrackingConfig `yaml:"tracking"`
	Rates    RatesConfig    `yaml:"rates"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// PlanningConfig contains goal planning settings.
type PlanningConfig struct {
	// DisplayCurrency is the currency budgets and schedules are expressed in.
	DisplayCurrency string `yaml:"display_currency"`
	// PaymentDay is the day of month payments are scheduled on (clamped to
	// short months).
	PaymentDay int `yaml:"payment_day"`
}

// ScheduleConfig contains schedule generation settings.
type ScheduleConfig struct {
	// MaxPeriods caps schedule generation so infeasible inputs terminate
	// with a partial schedule instead of looping.
	MaxPeriods int `yaml:"max_periods"`
	// CacheTTL bounds how long a generated schedule is served from cache.
	CacheTTL Duration `yaml:"cache_ttl"`
}

// TrackingConfig contains execution tracking settings.
type TrackingConfig struct {
	// UndoGrace is how long after tracking starts that undo transitions
	// remain permitted.
	UndoGrace Duration `yaml:"undo_grace"`
}

// RatesConfig contains currency rate gateway settings.
type RatesConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("COFFER_CONFIG_PATH", "config/coffer.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Planning: PlanningConfig{
			DisplayCurrency: "USD",
			PaymentDay:      1,
		},
		Schedule: ScheduleConfig{
			MaxPeriods: 600,
			CacheTTL:   Duration(30 * time.Second),
		},
		Tracking: TrackingConfig{
			UndoGrace: Duration(24 * time.Hour),
		},
		Rates: RatesConfig{
			Timeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/coffer.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COFFER_DISPLAY_CURRENCY"); v != "" {
		cfg.Planning.DisplayCurrency = v
	}
	if v := os.Getenv("COFFER_PAYMENT_DAY"); v != "" {
		if day, err := strconv.Atoi(v); err == nil {
			cfg.Planning.PaymentDay = day
		}
	}
	if v := os.Getenv("COFFER_SCHEDULE_MAX_PERIODS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Schedule.MaxPeriods = n
		}
	}
	if v := os.Getenv("COFFER_SCHEDULE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Schedule.CacheTTL = Duration(d)
		}
	}
	if v := os.Getenv("COFFER_UNDO_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tracking.UndoGrace = Duration(d)
		}
	}
	if v := os.Getenv("COFFER_RATES_URL"); v != "" {
		cfg.Rates.BaseURL = v
	}
	if v := os.Getenv("COFFER_RATES_API_KEY"); v != "" {
		cfg.Rates.APIKey = v
	}
	if v := os.Getenv("COFFER_RATES_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rates.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("COFFER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("COFFER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("COFFER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that configuration values are internally consistent.
func (c *Config) validate() error {
	if c.Planning.DisplayCurrency == "" {
		return errors.New("display_currency is required")
	}
	if c.Planning.PaymentDay < 1 || c.Planning.PaymentDay > 31 {
		return fmt.Errorf("payment_day must be 1-31, got %d", c.Planning.PaymentDay)
	}
	if c.Schedule.MaxPeriods < 1 {
		return fmt.Errorf("max_periods must be positive, got %d", c.Schedule.MaxPeriods)
	}
	if time.Duration(c.Tracking.UndoGrace) < 0 {
		return errors.New("undo_grace must not be negative")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
