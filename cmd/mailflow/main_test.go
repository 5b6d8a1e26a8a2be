package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailflowd/mailflow/internal/broker"
	"github.com/mailflowd/mailflow/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailflow.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestValidateConfigCommand(t *testing.T) {
	defer func() { configPath = "" }()

	t.Run("valid file", func(t *testing.T) {
		configPath = writeConfig(t, `
[server]
hostname = "mail.example.com"
listen = ":8825"

[store]
driver = "sqlite3"
dsn = "file:mailflow.db"
`)
		assert.NoError(t, validateConfig(nil, nil))
	})

	t.Run("invalid driver", func(t *testing.T) {
		configPath = writeConfig(t, `
[store]
driver = "oracle"
dsn = "x"
`)
		assert.Error(t, validateConfig(nil, nil))
	})

	t.Run("missing file", func(t *testing.T) {
		configPath = filepath.Join(t.TempDir(), "nope.conf")
		assert.Error(t, validateConfig(nil, nil))
	})
}

func TestDefaultConfigRoundTrips(t *testing.T) {
	data, err := toml.Marshal(config.DefaultConfig())
	require.NoError(t, err)

	decoded := &config.Config{}
	require.NoError(t, toml.Unmarshal(data, decoded))
	assert.Equal(t, config.DefaultConfig().Server.Listen, decoded.Server.Listen)
	assert.Equal(t, config.DefaultConfig().Store.Driver, decoded.Store.Driver)
}

func TestOpenBrokerMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.Type = "memory"
	cfg.Broker.VisibilitySeconds = 30

	b, err := openBroker(cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, broker.NewMemory(30*time.Second), b)
}
