package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailflowd/mailflow/internal/gate"
)

func gateDomain(name string) gate.Domain {
	return gate.Domain{Name: name, Enabled: true}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailflow.conf")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	// A missing file falls back to defaults.
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store.Driver != "sqlite3" {
		t.Errorf("default store driver = %q, want sqlite3", cfg.Store.Driver)
	}
	if cfg.Publisher.IntervalSeconds != 30 {
		t.Errorf("default publisher interval = %d, want 30", cfg.Publisher.IntervalSeconds)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
hostname = "mail.example.com"
listen = ":8080"

[store]
driver = "postgres"
dsn = "postgres://mailflow@localhost/mailflow"
max_failed_count = 3

[broker]
type = "redis"
addr = "localhost:6379"
visibility_seconds = 120

[gate]
quota_enabled = true
quota_window_seconds = 60
quota_messages_per_window = 10

[[gate.domains]]
name = "example.com"
enabled = true
agent_group = "primary"

[publisher]
interval_seconds = 5
chunk_size = 25

[[publisher.groups]]
name = "primary"
default = true

[reconciler]
interval_seconds = 10
lease_seconds = 60
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Hostname != "mail.example.com" {
		t.Errorf("hostname = %q", cfg.Server.Hostname)
	}
	if got := cfg.BrokerRedisConfig().Visibility; got != 2*time.Minute {
		t.Errorf("broker visibility = %v, want 2m", got)
	}
	if got := cfg.GateConfig().Quota.MessagesPerWindow; got != 10 {
		t.Errorf("quota messages = %d, want 10", got)
	}
	if got := cfg.GateConfig().MaxFailedCount; got != 3 {
		t.Errorf("gate max failed = %d, want 3", got)
	}
	if len(cfg.Gate.Domains) != 1 || cfg.Gate.Domains[0].AgentGroup != "primary" {
		t.Errorf("domains = %+v", cfg.Gate.Domains)
	}
	if got := cfg.PublisherConfig().Interval; got != 5*time.Second {
		t.Errorf("publisher interval = %v, want 5s", got)
	}
	if len(cfg.Publisher.Groups) != 1 || !cfg.Publisher.Groups[0].Default {
		t.Errorf("groups = %+v", cfg.Publisher.Groups)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "BadDriver",
			mutate:  func(c *Config) { c.Store.Driver = "oracle" },
			wantErr: "store.driver",
		},
		{
			name:    "RedisWithoutAddr",
			mutate:  func(c *Config) { c.Broker.Type = "redis"; c.Broker.Addr = "" },
			wantErr: "broker.addr",
		},
		{
			name: "DuplicateDomain",
			mutate: func(c *Config) {
				c.Gate.Domains = append(c.Gate.Domains,
					gateDomain("Example.com"), gateDomain("example.com"))
			},
			wantErr: "duplicate domain",
		},
		{
			name:    "ZeroInterval",
			mutate:  func(c *Config) { c.Publisher.IntervalSeconds = 0 },
			wantErr: "publisher.interval_seconds",
		},
		{
			name:    "AntispamWithoutAddress",
			mutate:  func(c *Config) { c.Antispam.Enabled = true },
			wantErr: "antispam.address",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := cfg.Validate()
			if result.Valid {
				t.Fatal("expected validation to fail")
			}
			found := false
			for _, e := range result.Errors {
				if strings.Contains(e.Error(), tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("no error mentioning %q in %v", tt.wantErr, result.Errors)
			}
		})
	}
}

func TestValidateWarnsOnMemoryBroker(t *testing.T) {
	cfg := DefaultConfig()
	result := cfg.Validate()
	if !result.Valid {
		t.Fatalf("default config should validate, got %v", result.Errors)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w.Error(), "broker.type") {
			found = true
		}
	}
	if !found {
		t.Error("expected a warning about the in-memory broker")
	}
}
