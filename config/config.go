package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/shlex"

	"github.com/mrexodia/sidecar-manager/logging"
)

// DefaultPath is the config file read when no --config flag is given
const DefaultPath = "sidecar.yaml"

// Config represents the entire configuration file
type Config struct {
	AppName           string        `yaml:"app_name,omitempty"`
	AppID             string        `yaml:"app_id,omitempty"` // Data directory identifier
	Sidecar           SidecarConfig `yaml:"sidecar,omitempty"`
	Log               LogConfig     `yaml:"log,omitempty"`
	Web               WebConfig     `yaml:"web,omitempty"`
	FailureWebhookURL string        `yaml:"failure_webhook_url,omitempty"`
}

// SidecarConfig describes the backend process
type SidecarConfig struct {
	Name            string            `yaml:"name,omitempty"`
	Binary          string            `yaml:"binary,omitempty"`
	Host            string            `yaml:"host,omitempty"`
	Port            int               `yaml:"port,omitempty"`
	ExtraArgs       string            `yaml:"extra_args,omitempty"` // Shell-quoted, appended after the fixed arguments
	Workdir         string            `yaml:"workdir,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	EnvFile         string            `yaml:"env_file,omitempty"`
	DataDir         string            `yaml:"data_dir,omitempty"`        // Overrides the platform data directory
	HealthSchedule  *string           `yaml:"health_schedule,omitempty"` // Cron spec; nil means default, "" disables
	ShutdownTimeout string            `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig controls the logging sink
type LogConfig struct {
	Level       string `yaml:"level,omitempty"`
	Development bool   `yaml:"development,omitempty"`
}

// WebConfig controls the local command bridge / status server
type WebConfig struct {
	Enabled       *bool  `yaml:"enabled,omitempty"` // nil means true
	Host          string `yaml:"host,omitempty"`
	Port          int    `yaml:"port,omitempty"`
	Authorization string `yaml:"authorization,omitempty"` // BasicAuth credentials in format "username:password"
}

// IsEnabled returns true if the web server is enabled (nil means enabled)
func (wc *WebConfig) IsEnabled() bool {
	if wc.Enabled == nil {
		return true
	}
	return *wc.Enabled
}

const defaultHealthSchedule = "@every 30s"

// Default returns the configuration used when no file exists
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the YAML configuration file. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a config document
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "Moonsway"
	}
	if c.AppID == "" {
		c.AppID = "moonsway"
	}

	s := &c.Sidecar
	if s.Name == "" {
		s.Name = "PocketBase"
	}
	if s.Binary == "" {
		s.Binary = "pocketbase"
	}
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = 8090
	}
	if s.HealthSchedule == nil {
		schedule := defaultHealthSchedule
		s.HealthSchedule = &schedule
	}
	if s.ShutdownTimeout == "" {
		s.ShutdownTimeout = "5s"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 4321
	}
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Sidecar.Port < 1 || c.Sidecar.Port > 65535 {
		return fmt.Errorf("sidecar.port %d out of range", c.Sidecar.Port)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", c.Web.Port)
	}
	if _, err := c.Sidecar.Args(); err != nil {
		return err
	}
	if _, err := c.Sidecar.Timeout(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Args splits ExtraArgs into arguments
func (s *SidecarConfig) Args() ([]string, error) {
	if s.ExtraArgs == "" {
		return nil, nil
	}
	args, err := shlex.Split(s.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sidecar.extra_args: %w", err)
	}
	return args, nil
}

// Timeout parses ShutdownTimeout
func (s *SidecarConfig) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(s.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sidecar.shutdown_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("sidecar.shutdown_timeout must not be negative")
	}
	return d, nil
}

// Schedule returns the health check cron spec; empty means disabled
func (s *SidecarConfig) Schedule() string {
	if s.HealthSchedule == nil {
		return ""
	}
	return *s.HealthSchedule
}
