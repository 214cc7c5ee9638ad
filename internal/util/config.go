// Package util provides configuration and logging for netdiag.
package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/user/netdiag/internal/model"
)

// Config holds all daemon configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	LogMaxSizeMB  int `mapstructure:"log_max_size_mb"`
	LogMaxBackups int `mapstructure:"log_max_backups"`
	LogMaxAgeDays int `mapstructure:"log_max_age_days"`

	PIDFile string `mapstructure:"pid_file"`

	// Control socket
	SocketPath     string        `mapstructure:"socket_path"`
	MaxConnections int           `mapstructure:"max_connections"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	DiagnosticTimeout time.Duration `mapstructure:"diagnostic_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`

	// Prometheus endpoint, empty disables it.
	MetricsListen string `mapstructure:"metrics_listen"`

	Monitor   MonitorConfig    `mapstructure:"monitor"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
	Storage   StorageConfig    `mapstructure:"storage"`
}

// MonitorConfig configures continuous health monitoring.
type MonitorConfig struct {
	Enabled            bool           `mapstructure:"enabled"`
	Interval           time.Duration  `mapstructure:"interval"`
	Targets            []TargetConfig `mapstructure:"targets"`
	LatencyThresholdMs float64        `mapstructure:"latency_threshold_ms"`
	LossThresholdPct   float64        `mapstructure:"loss_threshold_pct"`
	Hysteresis         float64        `mapstructure:"hysteresis"`
	RecoverySamples    int            `mapstructure:"recovery_samples"`
	HistorySize        int            `mapstructure:"history_size"`
	PingCount          int            `mapstructure:"ping_count"`

	// WifiSignalThresholdDBm is the weak-signal alert level for wifi
	// targets. Zero disables it.
	WifiSignalThresholdDBm int `mapstructure:"wifi_signal_threshold_dbm"`
}

// TargetConfig is one monitored endpoint.
type TargetConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Kind    string `mapstructure:"kind"`
}

// ScheduleConfig is one recurring diagnostic.
type ScheduleConfig struct {
	ID       string        `mapstructure:"id"`
	Kind     string        `mapstructure:"kind"`
	Target   string        `mapstructure:"target"`
	Interval time.Duration `mapstructure:"interval"`
	Enabled  *bool         `mapstructure:"enabled"`
}

// IsEnabled reports whether the schedule should run. Unset means enabled.
func (s ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StorageConfig configures the run history database.
type StorageConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Msg)
}

// DefaultDataDir returns ~/.netdiag.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "netdiag")
	}
	return filepath.Join(homeDir, ".netdiag")
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return DefaultConfigIn(DefaultDataDir())
}

// DefaultConfigIn returns defaults rooted at dataDir.
func DefaultConfigIn(dataDir string) *Config {
	return &Config{
		DataDir:  dataDir,
		LogLevel: "info",
		LogFile:  filepath.Join(dataDir, "netdiag.log"),

		LogMaxSizeMB:  DefaultLogMaxSizeMB,
		LogMaxBackups: DefaultLogMaxBackups,
		LogMaxAgeDays: DefaultLogMaxAgeDays,

		PIDFile: filepath.Join(dataDir, "netdiag.pid"),

		SocketPath:     filepath.Join(dataDir, "netdiag.sock"),
		MaxConnections: 10,
		RequestTimeout: 30 * time.Second,

		DiagnosticTimeout: 2 * time.Minute,
		ShutdownTimeout:   30 * time.Second,

		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Targets: []TargetConfig{
				{Name: "google-dns", Address: "8.8.8.8", Kind: "ping"},
				{Name: "cloudflare-dns", Address: "1.1.1.1", Kind: "ping"},
			},
			LatencyThresholdMs: 100,
			LossThresholdPct:   5,
			Hysteresis:         0.1,

			WifiSignalThresholdDBm: -70,
			RecoverySamples:    3,
			HistorySize:        120,
			PingCount:          4,
		},

		Schedules: []ScheduleConfig{
			{ID: "internet-ping", Kind: "ping", Target: "8.8.8.8", Interval: 5 * time.Minute},
			{ID: "dns-lookup", Kind: "dns", Target: "1.1.1.1", Interval: 15 * time.Minute},
			{ID: "route-trace", Kind: "traceroute", Target: "1.1.1.1", Interval: time.Hour},
		},

		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "netdiag.db"),
			RetentionDays: 30,
		},
	}
}

// LoadConfig loads configuration from path, or from config.yaml in the data
// directory when path is empty. Environment variables prefixed NETDIAG_
// override scalar keys.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NETDIAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(cfg.DataDir)
	}

	// Set defaults in viper
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("log_max_age_days", cfg.LogMaxAgeDays)
	v.SetDefault("max_connections", cfg.MaxConnections)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("diagnostic_timeout", cfg.DiagnosticTimeout)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("metrics_listen", "")
	v.SetDefault("monitor.enabled", cfg.Monitor.Enabled)
	v.SetDefault("monitor.interval", cfg.Monitor.Interval)
	v.SetDefault("monitor.latency_threshold_ms", cfg.Monitor.LatencyThresholdMs)
	v.SetDefault("monitor.loss_threshold_pct", cfg.Monitor.LossThresholdPct)
	v.SetDefault("monitor.hysteresis", cfg.Monitor.Hysteresis)
	v.SetDefault("monitor.wifi_signal_threshold_dbm", cfg.Monitor.WifiSignalThresholdDBm)
	v.SetDefault("storage.enabled", cfg.Storage.Enabled)
	v.SetDefault("storage.retention_days", cfg.Storage.RetentionDays)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Lists from the file replace the defaults rather than merging element-wise.
	if v.IsSet("schedules") {
		cfg.Schedules = nil
	}
	if v.IsSet("monitor.targets") {
		cfg.Monitor.Targets = nil
	}

	// Paths not given explicitly follow data_dir.
	for key, field := range map[string]*string{
		"log_file":     &cfg.LogFile,
		"pid_file":     &cfg.PIDFile,
		"socket_path":  &cfg.SocketPath,
		"storage.path": &cfg.Storage.Path,
	} {
		if !v.IsSet(key) {
			*field = ""
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDataDir()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDataDir fills file paths left unset relative to DataDir.
func (c *Config) applyDataDir() {
	def := DefaultConfigIn(c.DataDir)
	if c.LogFile == "" {
		c.LogFile = def.LogFile
	}
	if c.PIDFile == "" {
		c.PIDFile = def.PIDFile
	}
	if c.SocketPath == "" {
		c.SocketPath = def.SocketPath
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Monitor.RecoverySamples == 0 {
		c.Monitor.RecoverySamples = def.Monitor.RecoverySamples
	}
	if c.Monitor.HistorySize == 0 {
		c.Monitor.HistorySize = def.Monitor.HistorySize
	}
	if c.Monitor.PingCount == 0 {
		c.Monitor.PingCount = def.Monitor.PingCount
	}
	for i := range c.Monitor.Targets {
		if c.Monitor.Targets[i].Kind == "" {
			c.Monitor.Targets[i].Kind = string(model.KindPing)
		}
		if c.Monitor.Targets[i].Name == "" {
			c.Monitor.Targets[i].Name = c.Monitor.Targets[i].Address
		}
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return &ConfigError{Field: "socket_path", Msg: "must not be empty"}
	}
	if c.PIDFile == "" {
		return &ConfigError{Field: "pid_file", Msg: "must not be empty"}
	}
	if c.MaxConnections < 1 {
		return &ConfigError{Field: "max_connections", Msg: "must be at least 1"}
	}
	if c.RequestTimeout <= 0 {
		return &ConfigError{Field: "request_timeout", Msg: "must be positive"}
	}
	if c.DiagnosticTimeout <= 0 {
		return &ConfigError{Field: "diagnostic_timeout", Msg: "must be positive"}
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if s.ID == "" {
			return &ConfigError{Field: field + ".id", Msg: "must not be empty"}
		}
		if seen[s.ID] {
			return &ConfigError{Field: field + ".id", Msg: fmt.Sprintf("duplicate id %q", s.ID)}
		}
		seen[s.ID] = true
		if _, err := model.ParseDiagnosticKind(s.Kind); err != nil {
			return &ConfigError{Field: field + ".kind", Msg: err.Error()}
		}
		if s.Interval <= 0 {
			return &ConfigError{Field: field + ".interval", Msg: "must be positive"}
		}
	}

	m := c.Monitor
	if m.Enabled {
		if m.Interval <= 0 {
			return &ConfigError{Field: "monitor.interval", Msg: "must be positive"}
		}
		if len(m.Targets) == 0 {
			return &ConfigError{Field: "monitor.targets", Msg: "at least one target required"}
		}
		for i, t := range m.Targets {
			if t.Address == "" {
				return &ConfigError{Field: fmt.Sprintf("monitor.targets[%d].address", i), Msg: "must not be empty"}
			}
			kind, err := model.ParseDiagnosticKind(t.Kind)
			if err != nil || (kind != model.KindPing && kind != model.KindDNS && kind != model.KindWiFi) {
				return &ConfigError{Field: fmt.Sprintf("monitor.targets[%d].kind", i), Msg: "must be ping, dns or wifi"}
			}
		}
	}
	if m.LatencyThresholdMs <= 0 {
		return &ConfigError{Field: "monitor.latency_threshold_ms", Msg: "must be positive"}
	}
	if m.LossThresholdPct < 0 || m.LossThresholdPct > 100 {
		return &ConfigError{Field: "monitor.loss_threshold_pct", Msg: "must be between 0 and 100"}
	}
	if m.WifiSignalThresholdDBm > 0 {
		return &ConfigError{Field: "monitor.wifi_signal_threshold_dbm", Msg: "must be negative, or zero to disable"}
	}
	if m.Hysteresis < 0 || m.Hysteresis >= 1 {
		return &ConfigError{Field: "monitor.hysteresis", Msg: "must be in [0, 1)"}
	}
	if m.RecoverySamples < 1 {
		return &ConfigError{Field: "monitor.recovery_samples", Msg: "must be at least 1"}
	}
	if m.HistorySize < 1 {
		return &ConfigError{Field: "monitor.history_size", Msg: "must be at least 1"}
	}

	if c.Storage.Enabled && c.Storage.RetentionDays < 0 {
		return &ConfigError{Field: "storage.retention_days", Msg: "must not be negative"}
	}
	return nil
}

// EnsureDir ensures a directory exists.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
