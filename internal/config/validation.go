package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult collects validation errors and warnings.
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Valid = false
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
}

func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	c.validateServer(result)
	c.validateStore(result)
	c.validateBroker(result)
	c.validateGate(result)
	c.validateAgent(result)
	c.validateIntervals(result)

	return result
}

func (c *Config) validateServer(result *ValidationResult) {
	if c.Server.Listen == "" {
		result.AddError("server.listen", c.Server.Listen, "listen address is required")
		return
	}
	if !isValidListenAddress(c.Server.Listen) {
		result.AddError("server.listen", c.Server.Listen, "invalid listen address")
	}
}

func (c *Config) validateStore(result *ValidationResult) {
	switch c.Store.Driver {
	case "sqlite3", "mysql", "postgres":
	default:
		result.AddError("store.driver", c.Store.Driver, "must be sqlite3, mysql or postgres")
	}
	if c.Store.DSN == "" {
		result.AddError("store.dsn", c.Store.DSN, "data source name is required")
	}
	if c.Store.MaxFailedCount < 0 {
		result.AddError("store.max_failed_count", c.Store.MaxFailedCount, "must not be negative")
	}
}

func (c *Config) validateBroker(result *ValidationResult) {
	switch c.Broker.Type {
	case "redis":
		if c.Broker.Addr == "" {
			result.AddError("broker.addr", c.Broker.Addr, "redis broker needs an address")
		}
	case "memory":
		result.AddWarning("broker.type", c.Broker.Type,
			"in-memory broker loses queued messages on restart; use redis in production")
	default:
		result.AddError("broker.type", c.Broker.Type, "must be redis or memory")
	}
	if c.Broker.VisibilitySeconds <= 0 {
		result.AddError("broker.visibility_seconds", c.Broker.VisibilitySeconds, "must be positive")
	}
}

func (c *Config) validateGate(result *ValidationResult) {
	seen := make(map[string]bool)
	for i, d := range c.Gate.Domains {
		name := strings.ToLower(d.Name)
		if name == "" {
			result.AddError(fmt.Sprintf("gate.domains[%d].name", i), d.Name, "domain name is required")
			continue
		}
		if seen[name] {
			result.AddError(fmt.Sprintf("gate.domains[%d].name", i), d.Name, "duplicate domain")
		}
		seen[name] = true
	}
	if len(c.Gate.Domains) == 0 {
		result.AddWarning("gate.domains", nil, "no sending domains configured; every submission will be blocked")
	}
	if c.Gate.QuotaEnabled && c.Gate.QuotaWindowSec <= 0 {
		result.AddError("gate.quota_window_seconds", c.Gate.QuotaWindowSec, "must be positive when quota is enabled")
	}
	if c.Antispam.Enabled && c.Antispam.Address == "" {
		result.AddError("antispam.address", c.Antispam.Address, "scanner address is required when antispam is enabled")
	}
}

func (c *Config) validateAgent(result *ValidationResult) {
	if c.Agent.Workers < 0 {
		result.AddError("agent.workers", c.Agent.Workers, "must not be negative")
	}
	if c.Agent.RelayAddress != "" && !isValidListenAddress(c.Agent.RelayAddress) {
		result.AddError("agent.relay_address", c.Agent.RelayAddress, "invalid relay address")
	}
}

func (c *Config) validateIntervals(result *ValidationResult) {
	if c.Publisher.IntervalSeconds <= 0 {
		result.AddError("publisher.interval_seconds", c.Publisher.IntervalSeconds, "must be positive")
	}
	if c.Publisher.ChunkSize <= 0 {
		result.AddError("publisher.chunk_size", c.Publisher.ChunkSize, "must be positive")
	}
	if c.Reconciler.IntervalSeconds <= 0 {
		result.AddError("reconciler.interval_seconds", c.Reconciler.IntervalSeconds, "must be positive")
	}
	if c.Reconciler.LeaseSeconds <= c.Reconciler.IntervalSeconds {
		result.AddWarning("reconciler.lease_seconds", c.Reconciler.LeaseSeconds,
			"lease shorter than the interval defeats the single-flight lock")
	}
}

func isValidListenAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if port == "" {
		return false
	}
	// An empty host means all interfaces, which is fine.
	_ = host
	return true
}
