package config

import (
	"fmt"
	"net/url"
	"os"

	"chart-sync/src/models"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPageSize         = 100
	DefaultThreshold        = 30
	DefaultSettleDelayMs    = 200
	DefaultSubscriberBuffer = 256
	DefaultFeedIntervalMs   = 1000
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new Config from a YAML file, then applies CHART_SYNC_*
// environment overrides (an optional .env file is loaded first).
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	// 2. Unmarshal data into the models struct
	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	// 3. Environment overrides
	_ = godotenv.Load()
	if err := env.Parse(&modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from environment: %w", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.applyDefaults()

	// 4. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.History.PageSize == 0 {
		c.History.PageSize = DefaultPageSize
	}
	if c.History.Threshold == 0 {
		c.History.Threshold = DefaultThreshold
	}
	if c.History.SettleDelayMs == 0 {
		c.History.SettleDelayMs = DefaultSettleDelayMs
	}
	if c.History.Source == "" {
		c.History.Source = "storage"
	}
	if c.Series.SubscriberBuffer == 0 {
		c.Series.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Feed.IntervalMs == 0 {
		c.Feed.IntervalMs = DefaultFeedIntervalMs
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Validate Server configuration
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}
	if c.GrpcPort != 0 && (c.GrpcPort <= 1024 || c.GrpcPort > 65535) {
		return fmt.Errorf("invalid grpc port number: %d (must be between 1025 and 65535)", c.GrpcPort)
	}

	// Validate Storage configuration
	switch c.Storage.DBType {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
	case "postgres":
		if c.Storage.DBConnectionString == "" {
			return fmt.Errorf("connection string cannot be empty for postgres")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty for redis")
		}
	case "memory":
	case "":
		return fmt.Errorf("database type cannot be empty")
	default:
		return fmt.Errorf("unsupported database type: %s", c.Storage.DBType)
	}

	// Validate Network configuration
	if c.Network.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than 0")
	}
	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	// Validate push channels
	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.Topic == "" {
			return fmt.Errorf("channel %d must have a topic", i)
		}
		if seen[ch.Topic] {
			return fmt.Errorf("channel topic '%s' declared twice", ch.Topic)
		}
		seen[ch.Topic] = true

		u, err := url.Parse(ch.URL)
		if err != nil {
			return fmt.Errorf("channel '%s' has an invalid url: %w", ch.Topic, err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("channel '%s' has unsupported scheme '%s'", ch.Topic, u.Scheme)
		}
	}

	// Validate history configuration
	switch c.History.Source {
	case "storage":
	case "http":
		if c.History.BaseURL == "" {
			return fmt.Errorf("history base url cannot be empty for http source")
		}
	default:
		return fmt.Errorf("unsupported history source: %s", c.History.Source)
	}
	if c.History.PageSize <= 0 {
		return fmt.Errorf("history page size must be greater than 0")
	}
	if c.History.Threshold < 0 {
		return fmt.Errorf("history threshold cannot be negative")
	}
	if c.History.SettleDelayMs < 0 {
		return fmt.Errorf("history settle delay cannot be negative")
	}

	if c.Series.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber buffer must be greater than 0")
	}

	return nil
}

// -----------------------------------------------------------------------------

// Channel returns the channel declared for a topic.
func (c *Config) Channel(topic string) (models.MChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Topic == topic {
			return ch, true
		}
	}
	return models.MChannelConfig{}, false
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	// 1. Marshal the struct to YAML
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 2. Write to file (0644 permissions)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
