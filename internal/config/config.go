package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models artline.yml.
type Config struct {
	Locks struct {
		TTL           string `yaml:"ttl"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"locks"`
	Impact struct {
		MaxDepth int `yaml:"max_depth" validate:"omitempty,gte=1,lte=10"`
	} `yaml:"impact"`
	RBAC struct {
		Roles          map[string]RBACRole `yaml:"roles"`
		OpenActions    []string            `yaml:"open_actions"`
		CreatorActions []string            `yaml:"creator_actions"`
	} `yaml:"rbac"`
	Registry struct {
		Cache struct {
			RedisURL string `yaml:"redis_url"`
			TTL      string `yaml:"ttl"`
		} `yaml:"cache"`
	} `yaml:"registry"`
	Server struct {
		RateLimit struct {
			RPS   float64 `yaml:"rps" validate:"gte=0"`
			Burst int     `yaml:"burst" validate:"gte=0"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
	Enabled        *bool    `yaml:"enabled"`
}

var validate = validator.New()

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with al config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the defaults when no file exists.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, raw := range map[string]string{
		"locks.ttl":            c.Locks.TTL,
		"locks.sweep_interval": c.Locks.SweepInterval,
		"registry.cache.ttl":   c.Registry.Cache.TTL,
	} {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config.%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config.%s must be positive", name)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for _, a := range append(append([]string{}, c.RBAC.OpenActions...), c.RBAC.CreatorActions...) {
		if a == "" {
			return fmt.Errorf("config.rbac contains an empty action")
		}
	}
	return nil
}

// LockTTL is the absolute lifetime granted at checkout.
func (c *Config) LockTTL() time.Duration {
	return durationOr(c.Locks.TTL, 24*time.Hour)
}

// SweepInterval is the period of the background lock sweep.
func (c *Config) SweepInterval() time.Duration {
	return durationOr(c.Locks.SweepInterval, time.Hour)
}

// CacheTTL is the lifetime of cached registry entries.
func (c *Config) CacheTTL() time.Duration {
	return durationOr(c.Registry.Cache.TTL, 5*time.Minute)
}

// MaxDepth bounds the dependency walk of impact analysis.
func (c *Config) MaxDepth() int {
	if c.Impact.MaxDepth <= 0 {
		return 2
	}
	return c.Impact.MaxDepth
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "artline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `locks:
  ttl: 24h
  sweep_interval: 1h

impact:
  max_depth: 2

rbac:
  roles:
    admin:
      description: "Repository administrator; may override locks and baselines"
      permissions:
        - initiative.create
        - initiative.activate
        - initiative.request_closure
        - initiative.complete
        - initiative.cancel
        - initiative.participants.add
        - artifact.checkout
        - artifact.checkin
        - artifact.bulk_checkout
        - artifact.analyze
        - artifact.read
        - conflict.resolve
        - conflict.detect
        - lock.list
        - lock.force_checkout
        - lock.force_cancel
        - lock.release
        - lock.sweep
        - baseline.refresh
        - rbac.manage
        - events.read
    architect:
      description: "May resolve conflicts and request closure on any initiative"
      permissions:
        - conflict.resolve
        - initiative.request_closure
  open_actions:
    - initiative.create
    - initiative.participants.add
    - artifact.checkout
    - artifact.checkin
    - artifact.bulk_checkout
    - artifact.analyze
    - artifact.read
    - conflict.resolve
    - conflict.detect
    - lock.list
    - events.read
  creator_actions:
    - initiative.activate
    - initiative.request_closure
    - initiative.complete
    - initiative.cancel

registry:
  cache:
    redis_url: ""
    ttl: 5m

server:
  rate_limit:
    rps: 0
    burst: 0
`
