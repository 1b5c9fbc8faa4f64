package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManagerLoad(t *testing.T) {
	manager := NewManager()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid configuration",
			configYAML: `
server:
  udp_port: 5060
  tcp_port: 5060
homedomains: ["example.org"]
auth:
  realm: "test.local"
  shared_secret: "correct horse battery staple"
  freshness_window_seconds: 30
storage:
  path: "./test.db"
presence:
  min_publish_seconds: 60
  max_publish_seconds: 86400
  default_publish_seconds: 3600
logging:
  level: "info"
  file: "./test.log"
`,
			expectError: false,
		},
		{
			name: "invalid UDP port",
			configYAML: `
server:
  udp_port: 70000
auth:
  shared_secret: "s"
storage:
  path: "./test.db"
`,
			expectError: true,
			errorMsg:    "invalid UDP port",
		},
		{
			name: "missing shared secret",
			configYAML: `
storage:
  path: "./test.db"
`,
			expectError: true,
			errorMsg:    "shared_secret is required",
		},
		{
			name: "escaped class regex mistake",
			configYAML: `
auth:
  shared_secret: "s"
storage:
  path: "./test.db"
classes:
  - pattern: "^+1"
    class: internal
`,
			expectError: true,
			errorMsg:    "escaping mistake",
		},
		{
			name: "publish bounds out of order",
			configYAML: `
auth:
  shared_secret: "s"
storage:
  path: "./test.db"
presence:
  min_publish_seconds: 600
  max_publish_seconds: 60
  default_publish_seconds: 300
`,
			expectError: true,
			errorMsg:    "max_publish_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configFile := filepath.Join(tmpDir, "config.yaml")

			if err := os.WriteFile(configFile, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := manager.Load(configFile)

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error to contain %q, got: %v", tt.errorMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg == nil {
				t.Fatalf("expected config, got nil")
			}
		})
	}
}

func TestManagerLoadNonExistentFile(t *testing.T) {
	manager := NewManager()
	if _, err := manager.Load("nonexistent.yaml"); err == nil {
		t.Errorf("expected error for non-existent file")
	}
}

func TestManagerLoadInvalidYAML(t *testing.T) {
	manager := NewManager()
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid.yaml")

	if err := os.WriteFile(configFile, []byte("server:\n  udp_port: [unclosed\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := manager.Load(configFile); err == nil {
		t.Errorf("expected error for invalid YAML")
	}
}

func TestManagerValidate(t *testing.T) {
	manager := NewManager()

	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{name: "valid default config"},
		{
			name:        "invalid TCP port",
			mutate:      func(c *Config) { c.Server.TCPPort = 70000 },
			expectError: true,
			errorMsg:    "invalid TCP port",
		},
		{
			name:        "empty storage path",
			mutate:      func(c *Config) { c.Storage.Path = "" },
			expectError: true,
			errorMsg:    "storage path cannot be empty",
		},
		{
			name:        "zero freshness window",
			mutate:      func(c *Config) { c.Auth.FreshnessWindowSeconds = 0 },
			expectError: true,
			errorMsg:    "freshness_window_seconds",
		},
		{
			name:        "default publish time below min",
			mutate:      func(c *Config) { c.Presence.DefaultPublishSeconds = 1 },
			expectError: true,
			errorMsg:    "default_publish_seconds",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "invalid log level",
		},
		{
			name: "bad class regex",
			mutate: func(c *Config) {
				c.Auth.SharedSecret = "s"
				c.Classes = []ClassRule{{Pattern: "(unterminated", Class: "internal"}}
			},
			expectError: true,
			errorMsg:    "invalid class regex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.Auth.SharedSecret = "s"
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err := manager.Validate(cfg)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error to contain %q, got: %v", tt.errorMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Auth.SharedSecret = "s"

	if err := NewManager().Validate(cfg); err != nil {
		t.Errorf("default config (with a secret set) should validate: %v", err)
	}
	if cfg.Server.UDPPort != 5060 {
		t.Errorf("expected UDP port 5060, got %d", cfg.Server.UDPPort)
	}
	if cfg.Auth.FreshnessWindowSeconds != 30 {
		t.Errorf("expected freshness window 30, got %d", cfg.Auth.FreshnessWindowSeconds)
	}
}
