package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"offerline/internal/statemachine"
)

// Config models offerline.yml.
type Config struct {
	Marketplace struct {
		ID                     string `yaml:"id"`
		FeeBps                 int64  `yaml:"fee_bps"`
		DefaultOfferTTLSeconds int    `yaml:"default_offer_ttl_seconds"`
	} `yaml:"marketplace"`
	Reaper struct {
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"reaper"`
	Domains  []string        `yaml:"domains"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one notification endpoint fed from the event log.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with ol config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace, marketplaceID string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(marketplaceID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	if c.Marketplace.FeeBps < 0 || c.Marketplace.FeeBps > 10000 {
		return fmt.Errorf("config.marketplace.fee_bps must be within [0,10000]")
	}
	if c.Marketplace.DefaultOfferTTLSeconds < 0 {
		return fmt.Errorf("config.marketplace.default_offer_ttl_seconds must not be negative")
	}
	if c.Reaper.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("config.reaper.sweep_interval_seconds must be positive")
	}
	for _, d := range c.Domains {
		if !statemachine.Known(d) {
			return fmt.Errorf("config.domains contains unknown domain %s", d)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// DomainEnabled reports whether the domain is served by this workspace.
// An empty allow-list enables all known domains.
func (c *Config) DomainEnabled(domainTag string) bool {
	if !statemachine.Known(domainTag) {
		return false
	}
	if len(c.Domains) == 0 {
		return true
	}
	for _, d := range c.Domains {
		if d == domainTag {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "offerline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketplaceID string) string {
	return fmt.Sprintf(defaultTemplate, marketplaceID)
}

// Default returns the default Config struct for a marketplace.
func Default(marketplaceID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, marketplaceID)), &cfg)
	cfg.Marketplace.ID = marketplaceID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  id: %s
  fee_bps: 1000
  default_offer_ttl_seconds: 900

reaper:
  sweep_interval_seconds: 30

# domains: an allow-list of served marketplace domains.
# Empty means all of: roadside_assistance, mechanical_repair,
# cargo_transport, trip_ride.
domains: []

webhooks: []
`
