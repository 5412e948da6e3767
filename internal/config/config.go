// Package config loads service settings from a YAML file, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"wablast/internal/logging"
	"wablast/internal/model"
)

type Config struct {
	HTTPAddr    string         `yaml:"http_addr"`
	DBDSN       string         `yaml:"db_dsn"`
	SessionsDir string         `yaml:"sessions_dir"`
	Log         logging.Config `yaml:"log"`
	WALogLevel  string         `yaml:"wa_log_level"`
	Pacing      Pacing         `yaml:"pacing"`
	Reconnect   Reconnect      `yaml:"reconnect"`
	Queue       Queue          `yaml:"queue"`
	Quota       Quota          `yaml:"quota"`
}

// Pacing holds raw duration strings ("3s", "1m") as written in the file.
type Pacing struct {
	MinDelay   string `yaml:"min_delay"`
	MaxDelay   string `yaml:"max_delay"`
	BatchSize  int    `yaml:"batch_size"`
	BatchDelay string `yaml:"batch_delay"`
}

type Reconnect struct {
	MaxAttempts   int    `yaml:"max_attempts"`
	Delay         string `yaml:"delay"`
	PairingWindow string `yaml:"pairing_window"`
	Settle        string `yaml:"settle"`
}

type Queue struct {
	PollInterval string  `yaml:"poll_interval"`
	Workers      int     `yaml:"workers"`
	MaxAttempts  int     `yaml:"max_attempts"`
	BaseBackoff  string  `yaml:"base_backoff"`
	StartsPerSec float64 `yaml:"starts_per_sec"`
}

type Quota struct {
	DailyLimit   int    `yaml:"daily_limit"`
	MonthlyLimit int    `yaml:"monthly_limit"`
	DailyReset   string `yaml:"daily_reset"`
	MonthlyReset string `yaml:"monthly_reset"`
}

func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		DBDSN:       "file:wablast.db?_foreign_keys=on&_busy_timeout=5000",
		SessionsDir: "sessions",
		Log:         logging.Config{Level: "info", Format: "console"},
		WALogLevel:  "warn",
		Pacing:      Pacing{MinDelay: "3s", MaxDelay: "8s", BatchSize: 50, BatchDelay: "60s"},
		Reconnect:   Reconnect{MaxAttempts: 5, Delay: "3s", PairingWindow: "2m", Settle: "20s"},
		Queue:       Queue{PollInterval: "1s", Workers: 4, MaxAttempts: 3, BaseBackoff: "5s", StartsPerSec: 5},
		Quota:       Quota{DailyLimit: 100, MonthlyLimit: 3000, DailyReset: "0 0 * * *", MonthlyReset: "0 0 1 * *"},
	}
}

// Load reads .env (if present), then path (if it exists), then applies WA_* overrides.
// An empty path falls back to WA_CONFIG.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("WA_CONFIG")
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.DBDSN, "WA_DB_DSN")
	set(&cfg.HTTPAddr, "WA_HTTP_ADDR")
	set(&cfg.SessionsDir, "WA_SESSIONS_DIR")
	set(&cfg.Log.Level, "WA_LOG_LEVEL")
}

// Validate checks every duration field parses.
func (c Config) Validate() error {
	if _, err := c.PacingDefaults(); err != nil {
		return err
	}
	fields := map[string]string{
		"reconnect.delay":          c.Reconnect.Delay,
		"reconnect.pairing_window": c.Reconnect.PairingWindow,
		"reconnect.settle":         c.Reconnect.Settle,
		"queue.poll_interval":      c.Queue.PollInterval,
		"queue.base_backoff":       c.Queue.BaseBackoff,
	}
	for path, raw := range fields {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}

// PacingDefaults converts the pacing section, falling back to model.DefaultPacing per field.
func (c Config) PacingDefaults() (model.Pacing, error) {
	def := model.DefaultPacing
	minD, err := ParseDurationOrDefault("pacing.min_delay", c.Pacing.MinDelay, def.MinDelay)
	if err != nil {
		return model.Pacing{}, err
	}
	maxD, err := ParseDurationOrDefault("pacing.max_delay", c.Pacing.MaxDelay, def.MaxDelay)
	if err != nil {
		return model.Pacing{}, err
	}
	batchDelay, err := ParseDurationOrDefault("pacing.batch_delay", c.Pacing.BatchDelay, def.BatchDelay)
	if err != nil {
		return model.Pacing{}, err
	}
	p := model.Pacing{MinDelay: minD, MaxDelay: maxD, BatchSize: c.Pacing.BatchSize, BatchDelay: batchDelay}
	return p.WithDefaults(def), nil
}

// Duration parses a field already checked by Validate.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
