// Package config loads the microscope server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "microscope.yaml"

// Config is the root configuration of a device server.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Store   StoreConfig    `yaml:"store"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Devices []DeviceConfig `yaml:"devices"`
}

// ServerConfig contains the HTTP API and discovery settings.
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Discovery     bool   `yaml:"discovery"`
	DiscoveryPort int    `yaml:"discovery_port"`
	Description   string `yaml:"description"`
}

// StoreConfig locates the bbolt file holding persisted settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig is the broker used by mqtt:// clients. Empty Broker disables them.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topic_root"`
}

// DeviceConfig defines one served device.
type DeviceConfig struct {
	Type         string         `yaml:"type"`
	Name         string         `yaml:"name"`
	UID          string         `yaml:"uid"`
	BufferLength int            `yaml:"buffer_length"`
	Conf         map[string]any `yaml:"conf"`
}

// Load reads path, applies defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with no devices.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8000,
			Discovery:     true,
			DiscoveryPort: 32227,
			Description:   "Microscope device server",
		},
		Store: StoreConfig{
			Path: "microscope.db",
		},
		MQTT: MQTTConfig{
			TopicRoot: "microscope",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MICROSCOPE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MICROSCOPE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("MICROSCOPE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("MICROSCOPE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.Discovery && (c.Server.DiscoveryPort < 1 || c.Server.DiscoveryPort > 65535) {
		errs = append(errs, "server.discovery_port must be between 1 and 65535")
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	names := make(map[string]bool)
	for i, d := range c.Devices {
		if d.Type == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].type is required", i))
		}
		if d.Name == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].name is required", i))
		} else if names[d.Name] {
			errs = append(errs, fmt.Sprintf("devices[%d].name %q is duplicated", i, d.Name))
		}
		names[d.Name] = true
		if d.BufferLength < 0 {
			errs = append(errs, fmt.Sprintf("devices[%d].buffer_length must not be negative", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// String reads a string option from the device conf, falling back to def.
func (d DeviceConfig) String(key, def string) string {
	if v, ok := d.Conf[key].(string); ok {
		return v
	}
	return def
}

// Int reads an integer option from the device conf, falling back to def.
func (d DeviceConfig) Int(key string, def int) int {
	switch v := d.Conf[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// Float reads a float option from the device conf, falling back to def.
func (d DeviceConfig) Float(key string, def float64) float64 {
	switch v := d.Conf[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// Bool reads a boolean option from the device conf, falling back to def.
func (d DeviceConfig) Bool(key string, def bool) bool {
	if v, ok := d.Conf[key].(bool); ok {
		return v
	}
	return def
}

// Strings reads a list of strings from the device conf.
func (d DeviceConfig) Strings(key string) []string {
	raw, ok := d.Conf[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}
