package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const FileName = "pidestat.yml"

// Config models pidestat.yml.
type Config struct {
	Session struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"session" json:"session"`
	Timing struct {
		// Threshold in seconds above which a command is reported as slow.
		Threshold float64 `yaml:"threshold" json:"threshold"`
	} `yaml:"timing" json:"timing"`
	Dump struct {
		Dir         string `yaml:"dir" json:"dir"`
		Concurrency int    `yaml:"concurrency" json:"concurrency"`
	} `yaml:"dump" json:"dump"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Logging struct {
		Level string `yaml:"level" json:"level"`
	} `yaml:"logging" json:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// WebhookConfig describes one delivery target for audit events.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Session.ID) == "" {
		return fmt.Errorf("config.session.id is required")
	}
	if c.Timing.Threshold < 0 || math.IsNaN(c.Timing.Threshold) || math.IsInf(c.Timing.Threshold, 0) {
		return fmt.Errorf("config.timing.threshold must be a finite, non-negative number")
	}
	if c.Dump.Concurrency < 0 {
		return fmt.Errorf("config.dump.concurrency must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Logging.Level != "" && !logLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("config.logging.level %q is invalid", c.Logging.Level)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pst config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(sessionID string) string {
	return fmt.Sprintf(defaultTemplate, sessionID)
}

// Default returns the default Config for a session.
func Default(sessionID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(sessionID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes, filling unset fields with
// defaults, and validates the result.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

// WithDefaults returns a copy with unset fields filled in.
func (c Config) WithDefaults() *Config {
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	d := Default(c.Session.ID)
	if c.Dump.Dir == "" {
		c.Dump.Dir = d.Dump.Dir
	}
	if c.Dump.Concurrency == 0 {
		c.Dump.Concurrency = d.Dump.Concurrency
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = d.Server.BasePath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

const defaultTemplate = `session:
  id: %s

timing:
  # seconds; commands at or above this are listed individually
  threshold: 0.1

dump:
  dir: dump
  concurrency: 4

server:
  addr: 127.0.0.1:8080
  base_path: /v0

logging:
  level: info

# webhooks:
#   - url: https://example.invalid/hook
#     events: [node.flags, version.create]
#     secret: change-me
#     timeout_seconds: 5
`
