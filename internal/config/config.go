// Package config loads linescout's YAML configuration.
//
// Order of precedence: environment variables (including a local .env file)
// override the YAML file, and defaults fill whatever is still zero.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/linescout/internal/storage"
)

// DefaultPath 預設設定檔路徑
const DefaultPath = "configs/linescout.yaml"

// 環境變數
const (
	EnvCourseCookie  = "LINESCOUT_COURSE_COOKIE"
	EnvExplorerToken = "LINESCOUT_EXPLORER_TOKEN"
	EnvStoragePath   = "LINESCOUT_STORAGE_PATH"
)

var (
	// ErrInvalidConfig 設定值不合法
	ErrInvalidConfig = errors.New("invalid config")
)

// Config represents the complete system configuration structure
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // debug|info|warn|error
		Format string `yaml:"format"` // text|json
	} `yaml:"log"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite|file
		Path   string `yaml:"path"`
	} `yaml:"storage"`

	Course struct {
		BaseURL   string            `yaml:"base_url"`
		Cookie    string            `yaml:"cookie"`
		Headers   map[string]string `yaml:"headers"`
		Timeout   time.Duration     `yaml:"timeout"`
		UnitDelay time.Duration     `yaml:"unit_delay"`
	} `yaml:"course"`

	Explorer struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"explorer"`

	Coordinator struct {
		BatchSize      int           `yaml:"batch_size"`
		BatchWindow    time.Duration `yaml:"batch_window"`
		Cooldown       time.Duration `yaml:"cooldown"`
		Workers        int           `yaml:"workers"`
		CacheCounters  int64         `yaml:"cache_counters"`
		CacheMaxCost   int64         `yaml:"cache_max_cost"`
		NormalizerMemo int           `yaml:"normalizer_memo"`
	} `yaml:"coordinator"`

	Settings struct {
		Path  string `yaml:"path"`
		Watch bool   `yaml:"watch"`
	} `yaml:"settings"`

	API struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"api"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`
}

// Load reads the YAML file at path, applies .env and environment overrides,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	// .env 不存在是正常情況
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes and applies environment overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvCourseCookie); v != "" {
		c.Course.Cookie = v
	}
	if v := os.Getenv(EnvExplorerToken); v != "" {
		c.Explorer.Token = v
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		c.Storage.Path = v
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "text")

	setString(&c.Storage.Driver, storage.DriverSQLite)
	if c.Storage.Path == "" {
		if c.Storage.Driver == storage.DriverFile {
			c.Storage.Path = "data/linescout.json"
		} else {
			c.Storage.Path = "data/linescout.db"
		}
	}

	setDuration(&c.Course.Timeout, 30*time.Second)
	setDuration(&c.Course.UnitDelay, 500*time.Millisecond)

	setString(&c.Explorer.BaseURL, "https://explorer.lichess.ovh/lichess")
	setDuration(&c.Explorer.Timeout, 15*time.Second)

	if c.Coordinator.BatchSize == 0 {
		c.Coordinator.BatchSize = 5
	}
	setDuration(&c.Coordinator.BatchWindow, 2*time.Second)
	setDuration(&c.Coordinator.Cooldown, 60*time.Second)
	if c.Coordinator.Workers == 0 {
		c.Coordinator.Workers = c.Coordinator.BatchSize
	}
	if c.Coordinator.CacheCounters == 0 {
		c.Coordinator.CacheCounters = 1e5
	}
	if c.Coordinator.CacheMaxCost == 0 {
		c.Coordinator.CacheMaxCost = 1 << 16
	}
	if c.Coordinator.NormalizerMemo == 0 {
		c.Coordinator.NormalizerMemo = 4096
	}

	setString(&c.Settings.Path, "configs/settings.yaml")
	setString(&c.API.Addr, ":8080")
	setString(&c.GRPC.Addr, ":50051")
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug|info|warn|error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text|json", c.Log.Format))
	}
	switch c.Storage.Driver {
	case storage.DriverSQLite, storage.DriverFile:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of sqlite|file", c.Storage.Driver))
	}
	if c.Coordinator.BatchSize < 0 {
		errs = append(errs, errors.New("coordinator.batch_size must be positive"))
	}
	if c.Coordinator.Workers < 0 {
		errs = append(errs, errors.New("coordinator.workers must be positive"))
	}
	if c.Coordinator.BatchWindow < 0 || c.Coordinator.Cooldown < 0 {
		errs = append(errs, errors.New("coordinator durations must not be negative"))
	}
	if c.Course.UnitDelay < 0 {
		errs = append(errs, errors.New("course.unit_delay must not be negative"))
	}
	if c.Settings.Watch && c.Settings.Path == "" {
		errs = append(errs, errors.New("settings.watch requires settings.path"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the root logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
