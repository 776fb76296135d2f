package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Cloud           CloudConfig    `yaml:"cloud"`
	Device          DeviceConfig   `yaml:"device"`
	Cycle           CycleConfig    `yaml:"cycle"`
	Palette         PaletteConfig  `yaml:"palette"`
	Database        DatabaseConfig `yaml:"database"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	Panel           PanelConfig    `yaml:"panel"`
	Log             LogConfig      `yaml:"log"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// CloudConfig contains vendor cloud connection settings
type CloudConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	AppType      string   `yaml:"app_type"`
	Timeout      Duration `yaml:"timeout"`        // HTTP timeout per cloud request
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // Outbound request rate, <0 disables the limiter
}

// DeviceConfig selects the bulb to control
type DeviceConfig struct {
	Name string `yaml:"name"` // Exact deviceName match
}

// CycleConfig contains auto-cycle settings
type CycleConfig struct {
	Period    Duration `yaml:"period"`
	Tick      Duration `yaml:"tick"`
	Autostart bool     `yaml:"autostart"` // Start cycling once a device is bound
}

// PaletteConfig controls how shuffle colors are chosen
type PaletteConfig struct {
	Script        string `yaml:"script"` // Optional Lua script defining shuffle(prev)
	SaturationMin int    `yaml:"saturation_min"`
	Brightness    int    `yaml:"brightness"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains command history settings
type LedgerConfig struct {
	Enabled         *bool    `yaml:"enabled"` // Default: true
	Retention       Duration `yaml:"retention"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// IsEnabled returns whether the ledger is enabled
func (c *LedgerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// PanelConfig contains panel HTTP server settings
type PanelConfig struct {
	Enabled *bool  `yaml:"enabled"` // Default: true
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// IsEnabled returns whether the panel server is enabled
func (c *PanelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 2)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 2
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LoadDotEnv loads variables from an env file into the process environment
// so ${VAR} references in the config can resolve them. Variables already set
// take precedence. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./lampd.sqlite"
	}

	// Cloud defaults
	if cfg.Cloud.Endpoint == "" {
		cfg.Cloud.Endpoint = "https://wap.tplinkcloud.com/"
	}
	if cfg.Cloud.AppType == "" {
		cfg.Cloud.AppType = "Kasa_Android"
	}
	if cfg.Cloud.Timeout == 0 {
		cfg.Cloud.Timeout = Duration(10 * time.Second)
	}
	if cfg.Cloud.RateLimitRPS == 0 {
		cfg.Cloud.RateLimitRPS = 5.0
	}

	if cfg.Device.Name == "" {
		cfg.Device.Name = "Smart Wi-Fi LED Bulb with Color Changing"
	}

	// Cycle defaults
	if cfg.Cycle.Period == 0 {
		cfg.Cycle.Period = Duration(10 * time.Second)
	}
	if cfg.Cycle.Tick == 0 {
		cfg.Cycle.Tick = Duration(100 * time.Millisecond)
	}

	// Palette defaults
	if cfg.Palette.SaturationMin == 0 {
		cfg.Palette.SaturationMin = 30
	}
	if cfg.Palette.Brightness == 0 {
		cfg.Palette.Brightness = 50
	}

	// Ledger defaults
	if cfg.Ledger.Retention == 0 {
		cfg.Ledger.Retention = Duration(30 * 24 * time.Hour)
	}
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}

	// Panel defaults
	if cfg.Panel.Port == 0 {
		cfg.Panel.Port = 8080
	}
	if cfg.Panel.Host == "" {
		cfg.Panel.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks settings that have no usable default
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Cloud.Username == "" {
		errs = append(errs, errors.New("cloud.username is required"))
	}
	if cfg.Cloud.Password == "" {
		errs = append(errs, errors.New("cloud.password is required"))
	}
	if cfg.Cycle.Period < cfg.Cycle.Tick {
		errs = append(errs, errors.New("cycle.period must not be shorter than cycle.tick"))
	}
	if cfg.Palette.SaturationMin < 0 || cfg.Palette.SaturationMin > 100 {
		errs = append(errs, errors.New("palette.saturation_min must be in [0,100]"))
	}
	if cfg.Palette.Brightness < 0 || cfg.Palette.Brightness > 100 {
		errs = append(errs, errors.New("palette.brightness must be in [0,100]"))
	}
	return errors.Join(errs...)
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
