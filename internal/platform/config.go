// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package platform

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"portico/internal/interceptor"
	"portico/internal/manifest"
	"portico/internal/protocol"
)

// Config represents the platform configuration
type Config struct {
	Server       ServerConfig                 `yaml:"server"`
	Admin        AdminConfig                  `yaml:"admin"`
	Broker       BrokerConfig                 `yaml:"broker"`
	Host         HostConfig                   `yaml:"host"`
	Applications []manifest.ApplicationConfig `yaml:"applications"`
	Activator    ActivatorConfig              `yaml:"activator"`
	Logging      LoggingConfig                `yaml:"logging"`

	// Programmatic settings, not read from the config file
	MessageInterceptors []interceptor.Interceptor[*protocol.TopicMessage]  `yaml:"-"`
	IntentInterceptors  []interceptor.Interceptor[*protocol.IntentMessage] `yaml:"-"`
	hooks               map[State][]Hook
}

// ServerConfig contains the client channel endpoint settings
type ServerConfig struct {
	Address       string `yaml:"address"`
	Path          string `yaml:"path"`
	WriteWait     string `yaml:"write_wait"`
	PongWait      string `yaml:"pong_wait"`
	ReadLimit     int64  `yaml:"read_limit"`
	SendQueueSize int    `yaml:"send_queue_size"`
}

// AdminConfig contains the admin API settings
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	TokenSecret string `yaml:"token_secret"`
	TokenIssuer string `yaml:"token_issuer"`
}

// BrokerConfig contains message broker settings
type BrokerConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	PingTimeout       string `yaml:"ping_timeout"`
	StartupQueueSize  int    `yaml:"startup_queue_size"`
	DedupCacheSize    int    `yaml:"dedup_cache_size"`
	DedupExpiration   string `yaml:"dedup_expiration"`
}

// HostConfig describes the host application
type HostConfig struct {
	SymbolicName string `yaml:"symbolic_name"`
	Name         string `yaml:"name"`
	// ManifestURL is optional; the host registers with an empty manifest without it
	ManifestURL     string `yaml:"manifest_url,omitempty"`
	ManifestTimeout string `yaml:"manifest_timeout"`
}

// ActivatorConfig contains activator settings
type ActivatorConfig struct {
	Timeout string `yaml:"timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration, applying defaults and validating it
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// NewDefaultConfig creates a default configuration template
func NewDefaultConfig() *Config {
	config := &Config{
		Applications: []manifest.ApplicationConfig{
			{
				SymbolicName: "app-1",
				ManifestURL:  "http://localhost:4201/manifest.json",
			},
		},
	}
	config.setDefaults()
	return config
}

// setDefaults ensures all optional fields have default values
func (c *Config) setDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":4200"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/ws"
	}
	if c.Server.WriteWait == "" {
		c.Server.WriteWait = "10s"
	}
	if c.Server.PongWait == "" {
		c.Server.PongWait = "60s"
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = 1 << 20
	}
	if c.Server.SendQueueSize == 0 {
		c.Server.SendQueueSize = 256
	}

	if c.Admin.Address == "" {
		c.Admin.Address = "127.0.0.1:4280"
	}
	if c.Admin.TokenIssuer == "" {
		c.Admin.TokenIssuer = "portico"
	}

	if c.Broker.HeartbeatInterval == "" {
		c.Broker.HeartbeatInterval = "60s"
	}
	if c.Broker.PingTimeout == "" {
		c.Broker.PingTimeout = "10s"
	}
	if c.Broker.StartupQueueSize == 0 {
		c.Broker.StartupQueueSize = 1000
	}
	if c.Broker.DedupCacheSize == 0 {
		c.Broker.DedupCacheSize = 100
	}
	if c.Broker.DedupExpiration == "" {
		c.Broker.DedupExpiration = "10m"
	}

	if c.Host.SymbolicName == "" {
		c.Host.SymbolicName = "host"
	}
	if c.Host.ManifestTimeout == "" {
		c.Host.ManifestTimeout = "10s"
	}

	if c.Activator.Timeout == "" {
		c.Activator.Timeout = "30s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	durations := map[string]string{
		"server.write_wait":         c.Server.WriteWait,
		"server.pong_wait":          c.Server.PongWait,
		"broker.heartbeat_interval": c.Broker.HeartbeatInterval,
		"broker.ping_timeout":       c.Broker.PingTimeout,
		"broker.dedup_expiration":   c.Broker.DedupExpiration,
		"host.manifest_timeout":     c.Host.ManifestTimeout,
		"activator.timeout":         c.Activator.Timeout,
	}
	for field, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s format: %w", field, err)
		}
	}

	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		return fmt.Errorf("server.path must start with '/'")
	}
	if c.Server.ReadLimit < 0 {
		return fmt.Errorf("server.read_limit must not be negative")
	}
	if c.Server.SendQueueSize < 0 {
		return fmt.Errorf("server.send_queue_size must not be negative")
	}
	if c.Broker.StartupQueueSize < 0 {
		return fmt.Errorf("broker.startup_queue_size must not be negative")
	}
	if c.Broker.DedupCacheSize < 0 {
		return fmt.Errorf("broker.dedup_cache_size must not be negative")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	names := map[string]bool{c.Host.SymbolicName: true}
	for i, app := range c.Applications {
		if app.SymbolicName == "" {
			return fmt.Errorf("applications[%d].symbolic_name is required", i)
		}
		if names[app.SymbolicName] {
			return fmt.Errorf("duplicate application: %s", app.SymbolicName)
		}
		names[app.SymbolicName] = true

		if app.ManifestURL == "" && !app.Exclude {
			return fmt.Errorf("applications[%d].manifest_url is required", i)
		}
	}

	return nil
}

// OnState registers a hook run when the platform enters state
func (c *Config) OnState(state State, hook Hook) {
	if c.hooks == nil {
		c.hooks = make(map[State][]Hook)
	}
	c.hooks[state] = append(c.hooks[state], hook)
}

func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// GetWriteWait returns the websocket write wait as a duration
func (c *Config) GetWriteWait() time.Duration {
	return mustDuration(c.Server.WriteWait, 10*time.Second)
}

// GetPongWait returns the websocket pong wait as a duration
func (c *Config) GetPongWait() time.Duration {
	return mustDuration(c.Server.PongWait, 60*time.Second)
}

// GetHeartbeatInterval returns the client liveness probe interval
func (c *Config) GetHeartbeatInterval() time.Duration {
	return mustDuration(c.Broker.HeartbeatInterval, 60*time.Second)
}

// GetPingTimeout returns the time a client has to answer a ping
func (c *Config) GetPingTimeout() time.Duration {
	return mustDuration(c.Broker.PingTimeout, 10*time.Second)
}

// GetDedupExpiration returns how long acknowledged message ids are remembered
func (c *Config) GetDedupExpiration() time.Duration {
	return mustDuration(c.Broker.DedupExpiration, 10*time.Minute)
}

// GetManifestTimeout returns the timeout for fetching a manifest
func (c *Config) GetManifestTimeout() time.Duration {
	return mustDuration(c.Host.ManifestTimeout, 10*time.Second)
}

// GetActivatorTimeout returns how long Start waits for activators to signal readiness
func (c *Config) GetActivatorTimeout() time.Duration {
	return mustDuration(c.Activator.Timeout, 30*time.Second)
}
