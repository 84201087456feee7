// Package config holds the client configuration: where the authority lives
// and how browser sessions, capture and HTTP calls are bounded.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/secure-browser/pkg/types"
)

// Config represents the configuration of the secure browser client
type Config struct {
	// Base URL of the remote authority
	ServerURL string `yaml:"server_url" json:"server_url"`

	Browser BrowserConfig `yaml:"browser" json:"browser"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Path of the file the config was loaded from, if any
	ConfigFilePath string `yaml:"-" json:"-"`
}

// BrowserConfig defines how browser sessions are launched
type BrowserConfig struct {
	// Download the Playwright driver and Chromium on first start
	InstallDrivers bool `yaml:"install_drivers" json:"install_drivers"`

	// Headless hides both browser windows
	Headless bool `yaml:"headless" json:"headless"`

	// Persistent profile for non-incognito sessions
	ProfileDir string `yaml:"profile_dir" json:"profile_dir"`

	// Used when the policy sets no max_navigation_timeout
	NavigationTimeout time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`

	// Bound on waiting for a session's event loop to stop
	CloseTimeout time.Duration `yaml:"close_timeout" json:"close_timeout"`
}

// CaptureConfig bounds the login capture
type CaptureConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// HTTPConfig bounds calls to the authority
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls console output: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`

	// Directory for log files (default ~/.secure-browser/logs)
	Dir string `yaml:"dir" json:"dir"`
}

// MetricsConfig enables the Prometheus endpoint
type MetricsConfig struct {
	// Listen address for /metrics; empty disables it
	Addr string `yaml:"addr" json:"addr"`
}

// DefaultConfig returns a configuration that talks to a local authority
func DefaultConfig() *Config {
	return &Config{
		ServerURL: "http://localhost:8080",
		Browser: BrowserConfig{
			ProfileDir:        defaultProfileDir(),
			NavigationTimeout: 30 * time.Second,
			CloseTimeout:      5 * time.Second,
		},
		Capture: CaptureConfig{
			Timeout: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

func defaultProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".secure-browser", "profile")
}

// Load reads a YAML file over DefaultConfig
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ConfigFilePath = path
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if _, err := types.ParseAbsoluteURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"browser.navigation_timeout", c.Browser.NavigationTimeout},
		{"browser.close_timeout", c.Browser.CloseTimeout},
		{"capture.timeout", c.Capture.Timeout},
		{"http.timeout", c.HTTP.Timeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	// Set default verbosity if not specified
	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}

	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}
