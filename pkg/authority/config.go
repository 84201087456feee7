package authority

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/secure-browser/pkg/types"
)

// Config configures the reference authority.
type Config struct {
	// Addr is the listen address
	Addr string `yaml:"addr" json:"addr"`

	// Accepted credentials
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`

	// Policy is served verbatim by GET /browser-settings
	Policy types.PolicyPayload `yaml:"policy" json:"policy"`

	// RateLimit throttles POST /authenticate
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig is a token bucket shared by all authenticate requests.
// A non-positive PerSecond disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// DefaultConfig returns the stock authority configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:     ":8080",
		Username: "admin_user",
		Password: "secure_password",
		Policy: types.PolicyPayload{
			StartURL:             "https://www.google.com",
			Incognito:            false,
			MaxNavigationTimeout: 30000,
			AllowedDomains:       []string{"google.com", "github.com"},
		},
		RateLimit: RateLimitConfig{
			PerSecond: 5,
			Burst:     10,
		},
	}
}

// Validate validates the configuration. The policy is not checked: the
// authority serves whatever it is given.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive when rate_limit.per_second is set")
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
