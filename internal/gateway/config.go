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

package gateway

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// GatewayConfig represents the complete gateway configuration
type GatewayConfig struct {
	Server   ServerConfig   `yaml:"server"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Liaison  LiaisonConfig  `yaml:"liaison"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains server-related settings
type ServerConfig struct {
	API APIConfig `yaml:"api"`
}

// APIConfig contains HTTP API server settings
type APIConfig struct {
	Address        string   `yaml:"address" env:"VENDLINK_API_ADDRESS"`
	Timeout        string   `yaml:"timeout" env:"VENDLINK_API_TIMEOUT"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MQTTConfig contains broker connection settings
type MQTTConfig struct {
	Broker         string `yaml:"broker" env:"VENDLINK_MQTT_BROKER"`
	ClientID       string `yaml:"client_id" env:"VENDLINK_MQTT_CLIENT_ID"`
	Username       string `yaml:"username" env:"VENDLINK_MQTT_USERNAME"`
	Password       string `yaml:"password" env:"VENDLINK_MQTT_PASSWORD"`
	Namespace      string `yaml:"namespace" env:"VENDLINK_MQTT_NAMESPACE"`
	CleanSession   bool   `yaml:"clean_session"`
	KeepAlive      string `yaml:"keep_alive" env:"VENDLINK_MQTT_KEEP_ALIVE"`
	ConnectTimeout string `yaml:"connect_timeout" env:"VENDLINK_MQTT_CONNECT_TIMEOUT"`
}

// LiaisonConfig contains device liaison settings
type LiaisonConfig struct {
	HealthTimeout    string `yaml:"health_timeout" env:"VENDLINK_HEALTH_TIMEOUT"`
	LocationCapacity int    `yaml:"location_capacity" env:"VENDLINK_LOCATION_CAPACITY,strict"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Driver         string `yaml:"driver" env:"VENDLINK_DATABASE_DRIVER"`
	DSN            string `yaml:"dsn" env:"VENDLINK_DATABASE_DSN"`
	MaxConnections int    `yaml:"max_connections" env:"VENDLINK_DATABASE_MAX_CONNECTIONS,strict"`
	Timeout        string `yaml:"timeout" env:"VENDLINK_DATABASE_TIMEOUT"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"VENDLINK_LOG_LEVEL"`
	Format string `yaml:"format" env:"VENDLINK_LOG_FORMAT"`
}

// LoadGatewayConfig loads configuration from a YAML file
func LoadGatewayConfig(filepath string) (*GatewayConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config GatewayConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Finalize(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Finalize fills defaults, applies VENDLINK_* environment overrides and
// validates the result.
func (c *GatewayConfig) Finalize() error {
	c.setDefaults()

	if err := c.applyEnv(); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// SaveGatewayConfig saves configuration to a YAML file
func SaveGatewayConfig(config *GatewayConfig, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultGatewayConfig creates a default configuration
func NewDefaultGatewayConfig() *GatewayConfig {
	config := &GatewayConfig{}
	config.setDefaults()
	return config
}

// setDefaults ensures all required fields have default values
func (c *GatewayConfig) setDefaults() {
	if c.Server.API.Address == "" {
		c.Server.API.Address = ":8080"
	}
	if c.Server.API.Timeout == "" {
		c.Server.API.Timeout = "15s"
	}
	if len(c.Server.API.AllowedOrigins) == 0 {
		c.Server.API.AllowedOrigins = []string{"*"}
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "vendlink-server"
	}
	if c.MQTT.Namespace == "" {
		c.MQTT.Namespace = "vm"
	}
	if c.MQTT.KeepAlive == "" {
		c.MQTT.KeepAlive = "30s"
	}
	if c.MQTT.ConnectTimeout == "" {
		c.MQTT.ConnectTimeout = "10s"
	}

	if c.Liaison.HealthTimeout == "" {
		c.Liaison.HealthTimeout = "1s"
	}
	if c.Liaison.LocationCapacity == 0 {
		c.Liaison.LocationCapacity = 65536
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = "vendlink.db"
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 10
	}
	if c.Database.Timeout == "" {
		c.Database.Timeout = "5s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// applyEnv overlays VENDLINK_* variables. Unset variables leave the file
// value alone.
func (c *GatewayConfig) applyEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return err
	}
	return nil
}

// Validate checks if the configuration values are valid
func (c *GatewayConfig) Validate() error {
	durations := map[string]string{
		"API timeout":          c.Server.API.Timeout,
		"MQTT keep_alive":      c.MQTT.KeepAlive,
		"MQTT connect_timeout": c.MQTT.ConnectTimeout,
		"health_timeout":       c.Liaison.HealthTimeout,
		"database timeout":     c.Database.Timeout,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if !strings.Contains(c.MQTT.Broker, "://") {
		return fmt.Errorf("mqtt broker must be a URL such as tcp://host:1883, got %q", c.MQTT.Broker)
	}
	if strings.ContainsAny(c.MQTT.Namespace, "/+#") {
		return fmt.Errorf("mqtt namespace must be a single topic level without wildcards")
	}
	if c.Liaison.LocationCapacity < 0 {
		return fmt.Errorf("location_capacity must not be negative")
	}

	if c.Database.Driver != DriverSQLite && c.Database.Driver != DriverPostgres {
		return fmt.Errorf("database driver must be '%s' or '%s'", DriverSQLite, DriverPostgres)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Database.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}

	return nil
}

// GetAPITimeout returns the API timeout as a time.Duration
func (c *GatewayConfig) GetAPITimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Server.API.Timeout)
	return duration
}

// GetHealthTimeout returns the health-check deadline as a time.Duration
func (c *GatewayConfig) GetHealthTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Liaison.HealthTimeout)
	return duration
}

func (c *GatewayConfig) GetKeepAlive() time.Duration {
	duration, _ := time.ParseDuration(c.MQTT.KeepAlive)
	return duration
}

func (c *GatewayConfig) GetConnectTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.MQTT.ConnectTimeout)
	return duration
}

// GetDatabaseTimeout returns the database timeout as a time.Duration
func (c *GatewayConfig) GetDatabaseTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Database.Timeout)
	return duration
}
