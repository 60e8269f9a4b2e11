package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stepline/internal/challenge"
	"stepline/internal/domain"
)

const fileName = "stepline.yml"

// Config models stepline.yml.
type Config struct {
	Challenges struct {
		Catalog []ChallengeEntry `yaml:"catalog"`
	} `yaml:"challenges"`
	Session struct {
		Tick string `yaml:"tick"`
	} `yaml:"session"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig posts matching events to URL. An empty Events list matches all types.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type ChallengeEntry struct {
	ID        int    `yaml:"id"`
	Title     string `yaml:"title"`
	Threshold int    `yaml:"threshold"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Challenges.Catalog) > 0 {
		if err := challenge.ValidateCatalog(c.Catalog()); err != nil {
			return fmt.Errorf("config.challenges.catalog: %w", err)
		}
	}
	if c.Session.Tick != "" {
		d, err := time.ParseDuration(c.Session.Tick)
		if err != nil {
			return fmt.Errorf("config.session.tick: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.session.tick must be positive")
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Catalog returns the configured seed catalog, or nil to use the built-in one.
func (c *Config) Catalog() []domain.Challenge {
	if len(c.Challenges.Catalog) == 0 {
		return nil
	}
	out := make([]domain.Challenge, 0, len(c.Challenges.Catalog))
	for _, e := range c.Challenges.Catalog {
		out = append(out, domain.Challenge{ID: e.ID, Title: e.Title, StepThreshold: e.Threshold})
	}
	return out
}

// TickInterval is how often running sessions refresh elapsed time.
func (c *Config) TickInterval() time.Duration {
	d, err := time.ParseDuration(c.Session.Tick)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault()), &cfg)
	return &cfg
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	var b strings.Builder
	b.WriteString("challenges:\n  catalog:\n")
	for _, c := range challenge.DefaultCatalog {
		fmt.Fprintf(&b, "    - id: %d\n      title: %q\n      threshold: %d\n", c.ID, c.Title, c.StepThreshold)
	}
	b.WriteString(defaultTemplate)
	return b.String()
}

const defaultTemplate = `
session:
  tick: 1m

server:
  addr: 127.0.0.1:8080
  base_path: /v0

# webhooks:
#   - url: https://example.com/hooks/stepline
#     events: [challenge.completed]
`
