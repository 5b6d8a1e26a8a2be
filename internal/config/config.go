// Package config loads and validates the TOML configuration shared by
// every mailflow process. Timing values are plain integer seconds in
// the file; the accessor methods convert them into the typed configs
// the components take.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/mailflowd/mailflow/internal/agent"
	"github.com/mailflowd/mailflow/internal/antispam"
	"github.com/mailflowd/mailflow/internal/broker"
	"github.com/mailflowd/mailflow/internal/cache"
	"github.com/mailflowd/mailflow/internal/gate"
	"github.com/mailflowd/mailflow/internal/logging"
	"github.com/mailflowd/mailflow/internal/message"
	"github.com/mailflowd/mailflow/internal/publisher"
	"github.com/mailflowd/mailflow/internal/reconciler"
	"github.com/mailflowd/mailflow/internal/store"
)

// Config is the full mailflow configuration.
type Config struct {
	Server struct {
		Hostname string `toml:"hostname"`
		Listen   string `toml:"listen"`
	} `toml:"server"`

	Store struct {
		Driver         string `toml:"driver"` // sqlite3, mysql, postgres
		DSN            string `toml:"dsn"`
		MaxFailedCount int    `toml:"max_failed_count"`
		MaxOpenConns   int    `toml:"max_open_conns"`
	} `toml:"store"`

	Broker struct {
		Type              string `toml:"type"` // redis, memory
		Addr              string `toml:"addr"`
		Password          string `toml:"password"`
		Database          int    `toml:"database"`
		VisibilitySeconds int    `toml:"visibility_seconds"`
	} `toml:"broker"`

	Cache cache.Config `toml:"cache"`

	Gate struct {
		VerifyDKIM     bool          `toml:"verify_dkim"`
		SpamThreshold  float64       `toml:"spam_threshold"`
		Domains        []gate.Domain `toml:"domains"`
		QuotaEnabled   bool          `toml:"quota_enabled"`
		QuotaWindowSec int           `toml:"quota_window_seconds"`
		QuotaMessages  int64         `toml:"quota_messages_per_window"`
		QuotaBytes     int64         `toml:"quota_bytes_per_window"`
	} `toml:"gate"`

	Antispam struct {
		Enabled   bool    `toml:"enabled"`
		Address   string  `toml:"address"`
		APIKey    string  `toml:"api_key"`
		Threshold float64 `toml:"threshold"`
	} `toml:"antispam"`

	Publisher struct {
		IntervalSeconds int               `toml:"interval_seconds"`
		BatchSize       int               `toml:"batch_size"`
		ChunkSize       int               `toml:"chunk_size"`
		Groups          []publisher.Group `toml:"groups"`
	} `toml:"publisher"`

	Agent struct {
		Name           string `toml:"name"`
		Group          string `toml:"group"`
		Workers        int    `toml:"workers"`
		RelayAddress   string `toml:"relay_address"`
		RelayHello     string `toml:"relay_hello"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
	} `toml:"agent"`

	Reconciler struct {
		IntervalSeconds int `toml:"interval_seconds"`
		LeaseSeconds    int `toml:"lease_seconds"`
		BatchMax        int `toml:"batch_max"`
	} `toml:"reconciler"`

	Metrics struct {
		Enabled    bool   `toml:"enabled"`
		ValkeyAddr string `toml:"valkey_addr"`
	} `toml:"metrics"`

	API struct {
		APIKeys map[string]string `toml:"api_keys"` // name -> bcrypt hash
	} `toml:"api"`

	Logging logging.Config `toml:"logging"`
}

// DefaultConfig returns a configuration suitable for local development:
// SQLite store, in-memory broker and cache, no spam scanning.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.Listen = ":8825"

	cfg.Store.Driver = "sqlite3"
	cfg.Store.DSN = "mailflow.db"
	cfg.Store.MaxFailedCount = message.DefaultMaxFailedCount

	cfg.Broker.Type = "memory"
	cfg.Broker.VisibilitySeconds = 300

	cfg.Cache.Type = "memory"

	cfg.Gate.QuotaEnabled = true
	cfg.Gate.QuotaWindowSec = 3600
	cfg.Gate.QuotaMessages = 1000
	cfg.Gate.QuotaBytes = 100 << 20

	cfg.Publisher.IntervalSeconds = 30
	cfg.Publisher.BatchSize = 100
	cfg.Publisher.ChunkSize = 50

	cfg.Agent.Name = "agent"
	cfg.Agent.Workers = 4
	cfg.Agent.RelayAddress = "localhost:25"
	cfg.Agent.TimeoutSeconds = 30

	cfg.Reconciler.IntervalSeconds = 30
	cfg.Reconciler.LeaseSeconds = 300
	cfg.Reconciler.BatchMax = 1000

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./mailflow.conf",
		"./config/mailflow.conf",
		os.ExpandEnv("$HOME/.mailflow.conf"),
		"/etc/mailflow/mailflow.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no config file found")
}

// Load reads, parses and validates the configuration. A missing file
// is not an error; the defaults stand.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	result := cfg.Validate()
	if !result.Valid {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

// StoreConfig builds the SQL store configuration.
func (c *Config) StoreConfig() store.SQLConfig {
	return store.SQLConfig{
		Driver:         c.Store.Driver,
		DSN:            c.Store.DSN,
		MaxFailedCount: c.Store.MaxFailedCount,
		MaxOpenConns:   c.Store.MaxOpenConns,
	}
}

// BrokerRedisConfig builds the Redis broker configuration.
func (c *Config) BrokerRedisConfig() broker.RedisConfig {
	return broker.RedisConfig{
		Addr:       c.Broker.Addr,
		Password:   c.Broker.Password,
		DB:         c.Broker.Database,
		Visibility: time.Duration(c.Broker.VisibilitySeconds) * time.Second,
	}
}

// GateConfig builds the validation gate configuration.
func (c *Config) GateConfig() gate.Config {
	return gate.Config{
		VerifyDKIM:     c.Gate.VerifyDKIM,
		SpamThreshold:  c.Gate.SpamThreshold,
		MaxFailedCount: c.Store.MaxFailedCount,
		Quota: gate.QuotaConfig{
			Enabled:           c.Gate.QuotaEnabled,
			Window:            time.Duration(c.Gate.QuotaWindowSec) * time.Second,
			MessagesPerWindow: c.Gate.QuotaMessages,
			BytesPerWindow:    c.Gate.QuotaBytes,
		},
	}
}

// AntispamConfig builds the scanner configuration.
func (c *Config) AntispamConfig() antispam.Config {
	return antispam.Config{
		Address:   c.Antispam.Address,
		APIKey:    c.Antispam.APIKey,
		Threshold: c.Antispam.Threshold,
	}
}

// PublisherConfig builds the publish sweep configuration.
func (c *Config) PublisherConfig() publisher.Config {
	return publisher.Config{
		Interval:  time.Duration(c.Publisher.IntervalSeconds) * time.Second,
		BatchSize: c.Publisher.BatchSize,
		ChunkSize: c.Publisher.ChunkSize,
	}
}

// AgentConfig builds the consumer pool configuration.
func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		Name:    c.Agent.Name,
		Group:   c.Agent.Group,
		Workers: c.Agent.Workers,
	}
}

// TransferConfig builds the SMTP relay configuration.
func (c *Config) TransferConfig() agent.SMTPConfig {
	return agent.SMTPConfig{
		Address: c.Agent.RelayAddress,
		Hello:   c.Agent.RelayHello,
		Timeout: time.Duration(c.Agent.TimeoutSeconds) * time.Second,
	}
}

// ReconcilerConfig builds the reconcile loop configuration.
func (c *Config) ReconcilerConfig() reconciler.Config {
	return reconciler.Config{
		Interval: time.Duration(c.Reconciler.IntervalSeconds) * time.Second,
		Lease:    time.Duration(c.Reconciler.LeaseSeconds) * time.Second,
		BatchMax: c.Reconciler.BatchMax,
	}
}
