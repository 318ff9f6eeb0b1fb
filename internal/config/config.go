package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-drover/internal/otel"
)

type WasmConfig struct {
	// MemoryLimitPages caps guest memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
	StepTimeoutMS    int    `yaml:"step_timeout_ms"`
}

// ScheduleConfig issues Command into the registry at every Cron tick.
type ScheduleConfig struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Command string `yaml:"command"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	ArchivePath   string `yaml:"archive_path"`
	Namespace     string `yaml:"namespace"`
	CommandPrefix string `yaml:"command_prefix"`
	LogLevel      string `yaml:"log_level"`

	DefaultTimeoutMS    int  `yaml:"default_timeout_ms"`
	MinTimeoutMS        int  `yaml:"min_timeout_ms"`
	PauseStopSignals    int  `yaml:"pause_stop_signals"`
	DrainTimeoutSeconds int  `yaml:"drain_timeout_seconds"`
	WatchArchive        bool `yaml:"watch_archive"`

	// HistoryEnabled is a pointer so an explicit false survives normalize.
	HistoryEnabled *bool  `yaml:"history_enabled,omitempty"`
	HistoryDB      string `yaml:"history_db"`

	// HistoryRetentionDays purges finished runs older than this; 0 keeps all.
	HistoryRetentionDays int `yaml:"history_retention_days"`

	Wasm      WasmConfig       `yaml:"wasm"`
	Telemetry otel.Config      `yaml:"telemetry"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

func defaultConfig() Config {
	return Config{
		Namespace:            "tasks",
		CommandPrefix:        "bot",
		LogLevel:             "info",
		DefaultTimeoutMS:     1000,
		MinTimeoutMS:         100,
		PauseStopSignals:     3,
		DrainTimeoutSeconds:  5,
		HistoryRetentionDays: 30,
		Wasm: WasmConfig{
			MemoryLimitPages: 256,
			StepTimeoutMS:    2000,
		},
	}
}

// Default returns the normalized configuration for homeDir without touching
// the filesystem.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	normalize(&cfg)
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("DROVER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".drover")
}

// ConfigPath returns the location of config.yaml inside the home directory.
func (c Config) ConfigPath() string {
	return filepath.Join(c.HomeDir, "config.yaml")
}

// History reports whether run history should be recorded.
func (c Config) History() bool {
	return c.HistoryEnabled == nil || *c.HistoryEnabled
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create drover home: %w", err)
	}

	data, err := os.ReadFile(cfg.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.ArchivePath) == "" {
		cfg.ArchivePath = filepath.Join(cfg.HomeDir, "tasks.zip")
	} else if !filepath.IsAbs(cfg.ArchivePath) {
		cfg.ArchivePath = filepath.Join(cfg.HomeDir, cfg.ArchivePath)
	}
	cfg.Namespace = strings.Trim(strings.TrimSpace(cfg.Namespace), ".")
	if cfg.Namespace == "" {
		cfg.Namespace = "tasks"
	}
	if strings.TrimSpace(cfg.CommandPrefix) == "" {
		cfg.CommandPrefix = "bot"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MinTimeoutMS <= 0 {
		cfg.MinTimeoutMS = 100
	}
	if cfg.DefaultTimeoutMS < cfg.MinTimeoutMS {
		cfg.DefaultTimeoutMS = cfg.MinTimeoutMS
	}
	if cfg.PauseStopSignals < 0 {
		cfg.PauseStopSignals = 0
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(cfg.HomeDir, "drover.db")
	}
	if cfg.HistoryRetentionDays < 0 {
		cfg.HistoryRetentionDays = 0
	}
	if cfg.Wasm.MemoryLimitPages == 0 {
		cfg.Wasm.MemoryLimitPages = 256
	}
	if cfg.Wasm.StepTimeoutMS <= 0 {
		cfg.Wasm.StepTimeoutMS = 2000
	}
}

func validate(cfg Config) error {
	for i, s := range cfg.Schedules {
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("schedules[%d]: cron expression is required", i)
		}
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("schedules[%d]: command is required", i)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DROVER_ARCHIVE"); raw != "" {
		cfg.ArchivePath = raw
	}
	if raw := os.Getenv("DROVER_NAMESPACE"); raw != "" {
		cfg.Namespace = raw
	}
	if raw := os.Getenv("DROVER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DROVER_WATCH_ARCHIVE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.WatchArchive = v
		}
	}
	if raw := os.Getenv("DROVER_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}
