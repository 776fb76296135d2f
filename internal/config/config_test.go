package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("cloud:\n  username: a\n  password: b\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"endpoint", cfg.Cloud.Endpoint, "https://wap.tplinkcloud.com/"},
		{"app_type", cfg.Cloud.AppType, "Kasa_Android"},
		{"timeout", cfg.Cloud.Timeout.Duration(), 10 * time.Second},
		{"rate_limit_rps", cfg.Cloud.RateLimitRPS, 5.0},
		{"device name", cfg.Device.Name, "Smart Wi-Fi LED Bulb with Color Changing"},
		{"cycle period", cfg.Cycle.Period.Duration(), 10 * time.Second},
		{"cycle tick", cfg.Cycle.Tick.Duration(), 100 * time.Millisecond},
		{"saturation_min", cfg.Palette.SaturationMin, 30},
		{"brightness", cfg.Palette.Brightness, 50},
		{"database", cfg.Database.Path, "./lampd.sqlite"},
		{"ledger enabled", cfg.Ledger.IsEnabled(), true},
		{"retention", cfg.Ledger.Retention.Duration(), 720 * time.Hour},
		{"panel enabled", cfg.Panel.IsEnabled(), true},
		{"panel port", cfg.Panel.Port, 8080},
		{"workers", cfg.EventBus.GetWorkers(), 2},
		{"queue_size", cfg.EventBus.GetQueueSize(), 100},
		{"log level", cfg.Log.Level, "info"},
		{"shutdown", cfg.ShutdownTimeout.Duration(), 5 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("LAMPD_TEST_USER", "lamp@example.com")

	src := `
cloud:
  username: ${LAMPD_TEST_USER}
  password: ${LAMPD_TEST_PASSWORD_UNSET:fallback}
cycle:
  period: 2s
  autostart: true
panel:
  enabled: false
`
	cfg, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Cloud.Username != "lamp@example.com" {
		t.Errorf("username = %q", cfg.Cloud.Username)
	}
	if cfg.Cloud.Password != "fallback" {
		t.Errorf("password = %q, want default", cfg.Cloud.Password)
	}
	if cfg.Cycle.Period.Duration() != 2*time.Second || !cfg.Cycle.Autostart {
		t.Errorf("cycle = %+v", cfg.Cycle)
	}
	if cfg.Panel.IsEnabled() {
		t.Error("panel enabled, want disabled")
	}
}

func TestParse_BadDuration(t *testing.T) {
	if _, err := Parse([]byte("cycle:\n  period: soon\n")); err == nil {
		t.Error("Parse() accepted an invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"missing credentials", "{}", "cloud.username is required"},
		{"missing password", "cloud:\n  username: a\n", "cloud.password is required"},
		{"period below tick", "cloud:\n  username: a\n  password: b\ncycle:\n  period: 50ms\n", "cycle.period"},
		{"brightness range", "cloud:\n  username: a\n  password: b\npalette:\n  brightness: 150\n", "palette.brightness"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.src))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("device:\n  name: Desk Lamp\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device.Name != "Desk Lamp" {
		t.Errorf("device name = %q", cfg.Device.Name)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LAMPD_TEST_DOTENV_USER=dotenv@example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LAMPD_TEST_DOTENV_USER", "")
	os.Unsetenv("LAMPD_TEST_DOTENV_USER")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Parse([]byte("cloud:\n  username: ${LAMPD_TEST_DOTENV_USER}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Cloud.Username != "dotenv@example.com" {
		t.Errorf("username = %q", cfg.Cloud.Username)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadDotEnv() of a missing file error = %v", err)
	}
}
