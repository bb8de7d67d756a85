package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"flowline/internal/stage"
)

// Config models flowline.yml.
type Config struct {
	Mission struct {
		ID string `yaml:"id"`
	} `yaml:"mission"`
	Pipeline struct {
		// WIPLimits overrides the built-in per-stage capacity. A stage
		// missing from the map keeps its default; 0 means unlimited.
		WIPLimits          map[string]int `yaml:"wip_limits"`
		RejectionThreshold int            `yaml:"rejection_threshold"`
	} `yaml:"pipeline"`
	Feed struct {
		PollIntervalMillis      int `yaml:"poll_interval_millis"`
		HeartbeatSeconds        int `yaml:"heartbeat_seconds"`
		FailureBackoffThreshold int `yaml:"failure_backoff_threshold"`
		TeardownAfterFailures   int `yaml:"teardown_after_failures"`
	} `yaml:"feed"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one activity-log delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Levels         []string `yaml:"levels,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Default returns the seed configuration for a mission.
func Default(missionID string) *Config {
	cfg := &Config{}
	cfg.Mission.ID = missionID
	cfg.Pipeline.WIPLimits = map[string]int{}
	for _, s := range stage.All() {
		if limit, ok := stage.DefaultWIPLimit(s); ok {
			cfg.Pipeline.WIPLimits[string(s)] = limit
		}
	}
	cfg.Pipeline.RejectionThreshold = 2
	cfg.Feed.PollIntervalMillis = 500
	cfg.Feed.HeartbeatSeconds = 15
	cfg.Feed.FailureBackoffThreshold = 3
	cfg.Feed.TeardownAfterFailures = 8
	return cfg
}

// Path returns the config file location inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".flowline", "flowline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run flow init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw yaml.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToYAML serializes the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Mission.ID == "" {
		return fmt.Errorf("config.mission.id is required")
	}
	for name, limit := range c.Pipeline.WIPLimits {
		if _, err := stage.Parse(name); err != nil {
			return fmt.Errorf("config.pipeline.wip_limits: %w", err)
		}
		if limit < 0 {
			return fmt.Errorf("config.pipeline.wip_limits.%s must be >= 0", name)
		}
	}
	if c.Pipeline.RejectionThreshold < 1 {
		return fmt.Errorf("config.pipeline.rejection_threshold must be >= 1")
	}
	if c.Feed.PollIntervalMillis < 1 {
		return fmt.Errorf("config.feed.poll_interval_millis must be >= 1")
	}
	if c.Feed.HeartbeatSeconds < 1 {
		return fmt.Errorf("config.feed.heartbeat_seconds must be >= 1")
	}
	if c.Feed.FailureBackoffThreshold < 1 {
		return fmt.Errorf("config.feed.failure_backoff_threshold must be >= 1")
	}
	if c.Feed.TeardownAfterFailures < c.Feed.FailureBackoffThreshold {
		return fmt.Errorf("config.feed.teardown_after_failures must be >= failure_backoff_threshold")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// WIPLimit resolves the effective limit for a stage; nil means unlimited.
func (c *Config) WIPLimit(s stage.Stage) *int {
	if limit, ok := c.Pipeline.WIPLimits[string(s)]; ok {
		if limit == 0 {
			return nil
		}
		v := limit
		return &v
	}
	if limit, ok := stage.DefaultWIPLimit(s); ok {
		v := limit
		return &v
	}
	return nil
}

// PollInterval returns the feed poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Feed.PollIntervalMillis) * time.Millisecond
}

// HeartbeatInterval returns the SSE heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Feed.HeartbeatSeconds) * time.Second
}
