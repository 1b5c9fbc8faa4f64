package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileManager implements Manager, loading configuration from a YAML file on
// disk once at startup.
type FileManager struct{}

// NewManager creates a new configuration manager.
func NewManager() *FileManager {
	return &FileManager{}
}

// Load reads and parses the configuration file.
func (m *FileManager) Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := m.Validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration values are valid. It mirrors, at
// load time, the runtime check classify_number performs on every
// evaluation: a class regex beginning "^+" is almost always a missing
// backslash and is rejected rather than silently matching nothing forever.
func (m *FileManager) Validate(config *Config) error {
	if config.Server.UDPPort < 0 || config.Server.UDPPort > 65535 {
		return fmt.Errorf("invalid UDP port: %d (must be 0-65535)", config.Server.UDPPort)
	}
	if config.Server.TCPPort < 0 || config.Server.TCPPort > 65535 {
		return fmt.Errorf("invalid TCP port: %d (must be 0-65535)", config.Server.TCPPort)
	}

	if strings.TrimSpace(config.Storage.Path) == "" {
		return fmt.Errorf("storage path cannot be empty")
	}

	if strings.TrimSpace(config.Auth.SharedSecret) == "" {
		return fmt.Errorf("auth shared_secret is required")
	}
	if config.Auth.FreshnessWindowSeconds <= 0 {
		return fmt.Errorf("auth freshness_window_seconds must be positive, got %d", config.Auth.FreshnessWindowSeconds)
	}

	for _, rule := range config.Classes {
		if strings.HasPrefix(rule.Pattern, "^+") {
			return fmt.Errorf("class rule %q looks like an escaping mistake (regex starting \"^+\" matches nothing); did you mean \"^\\\\+\"?", rule.Pattern)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("invalid class regex %q: %w", rule.Pattern, err)
		}
	}

	if config.Presence.MinPublishSeconds <= 0 {
		return fmt.Errorf("presence min_publish_seconds must be positive")
	}
	if config.Presence.MaxPublishSeconds < config.Presence.MinPublishSeconds {
		return fmt.Errorf("presence max_publish_seconds (%d) cannot be less than min_publish_seconds (%d)",
			config.Presence.MaxPublishSeconds, config.Presence.MinPublishSeconds)
	}
	if config.Presence.DefaultPublishSeconds < config.Presence.MinPublishSeconds ||
		config.Presence.DefaultPublishSeconds > config.Presence.MaxPublishSeconds {
		return fmt.Errorf("presence default_publish_seconds (%d) must be within [%d, %d]",
			config.Presence.DefaultPublishSeconds, config.Presence.MinPublishSeconds, config.Presence.MaxPublishSeconds)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	return nil
}

// GetDefaultConfig returns a configuration with default values, overridden
// by whatever a loaded YAML file sets explicitly.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.UDPPort = 5060
	cfg.Server.TCPPort = 5060
	cfg.Auth.Realm = ""
	cfg.Auth.FreshnessWindowSeconds = 30
	cfg.Presence.MinPublishSeconds = 60
	cfg.Presence.MaxPublishSeconds = 86400
	cfg.Presence.DefaultPublishSeconds = 3600
	cfg.Routing.MaxForwardsDefault = 70
	cfg.Routing.AlwaysVerifyHomedomainUser = true
	cfg.Storage.Path = "./sipserver.db"
	cfg.Logging.Level = "info"
	cfg.Logging.File = "./sipserver.log"
	return cfg
}
