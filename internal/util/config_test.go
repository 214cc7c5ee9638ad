package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfigIn(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.MaxConnections != 10 || cfg.Monitor.LatencyThresholdMs != 100 || cfg.Monitor.LossThresholdPct != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, `
data_dir: `+dataDir+`
log_level: debug
max_connections: 4
schedules:
  - id: gw
    kind: ping
    target: 192.168.1.1
    interval: 10s
  - id: speed
    kind: speed
    target: http://example.invalid/file
    interval: 1h
    enabled: false
monitor:
  interval: 5s
  latency_threshold_ms: 80
  targets:
    - address: 9.9.9.9
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.MaxConnections != 4 {
		t.Fatalf("scalars not loaded: %+v", cfg)
	}
	if len(cfg.Schedules) != 2 {
		t.Fatalf("schedules should replace defaults, got %d", len(cfg.Schedules))
	}
	if cfg.Schedules[0].Interval != 10*time.Second || !cfg.Schedules[0].IsEnabled() {
		t.Fatalf("schedule 0: %+v", cfg.Schedules[0])
	}
	if cfg.Schedules[1].IsEnabled() {
		t.Fatal("schedule 1 should be disabled")
	}
	if len(cfg.Monitor.Targets) != 1 || cfg.Monitor.Targets[0].Kind != "ping" || cfg.Monitor.Targets[0].Name != "9.9.9.9" {
		t.Fatalf("targets: %+v", cfg.Monitor.Targets)
	}
	if !cfg.Monitor.Enabled || cfg.Monitor.LossThresholdPct != 5 {
		t.Fatalf("monitor defaults lost: %+v", cfg.Monitor)
	}
	if cfg.SocketPath != filepath.Join(dataDir, "netdiag.sock") {
		t.Fatalf("socket path should follow data_dir, got %s", cfg.SocketPath)
	}
	if cfg.Storage.Path != filepath.Join(dataDir, "netdiag.db") {
		t.Fatalf("db path should follow data_dir, got %s", cfg.Storage.Path)
	}
}

func TestLoadConfigHysteresis(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"default", "monitor:\n  interval: 5s\n", 0.1},
		{"explicit zero", "monitor:\n  hysteresis: 0\n", 0},
		{"explicit", "monitor:\n  hysteresis: 0.25\n", 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "data_dir: "+t.TempDir()+"\n"+tt.body)
			cfg, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			if cfg.Monitor.Hysteresis != tt.want {
				t.Fatalf("hysteresis = %v, want %v", cfg.Monitor.Hysteresis, tt.want)
			}
		})
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, "data_dir: "+t.TempDir()+"\n")
	t.Setenv("NETDIAG_LOG_LEVEL", "error")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("env override ignored: %s", cfg.LogLevel)
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"schedules[0].interval": func(c *Config) { c.Schedules[0].Interval = 0 },
		"schedules[1].id":       func(c *Config) { c.Schedules[1].ID = c.Schedules[0].ID },
		"schedules[0].kind":     func(c *Config) { c.Schedules[0].Kind = "portscan" },
		"monitor.loss_threshold_pct": func(c *Config) {
			c.Monitor.LossThresholdPct = 150
		},
		"monitor.hysteresis": func(c *Config) { c.Monitor.Hysteresis = 1 },
		"monitor.wifi_signal_threshold_dbm": func(c *Config) {
			c.Monitor.WifiSignalThresholdDBm = 10
		},
		"monitor.targets[0].kind": func(c *Config) { c.Monitor.Targets[0].Kind = "speed" },
		"max_connections":         func(c *Config) { c.MaxConnections = 0 },
	}

	for field, mutate := range cases {
		cfg := DefaultConfigIn(t.TempDir())
		mutate(cfg)
		err := cfg.Validate()
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("%s: expected ConfigError, got %v", field, err)
		}
		if ce.Field != field {
			t.Fatalf("expected field %s, got %s", field, ce.Field)
		}
	}
}
