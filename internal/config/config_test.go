package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultPGDatabase, cfg.Postgres.Database)
	assert.Equal(t, DefaultExchange, cfg.Rabbit.Exchange)
	assert.Equal(t, DefaultSendTimeout, cfg.Delivery.SendTimeoutSeconds)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
addr = ":9090"

[postgres]
host = "db.internal"
port = 5433
database = "bridge"

[webhook]
base_url = "https://hooks.example.com"

[delivery]
send_timeout_seconds = 10
retry_spec = "@every 1m"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, "https://hooks.example.com", cfg.Webhook.BaseURL)
	assert.Equal(t, 10, cfg.Delivery.SendTimeoutSeconds)
	assert.Equal(t, "@every 1m", cfg.Delivery.RetrySpec)
	// untouched sections keep defaults
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresConfig{
		Host: "localhost", Port: 5432, User: "u", Password: "p",
		Database: "d", SSLMode: "disable",
	}.DSN()
	assert.Equal(t, "postgres://u:p@localhost:5432/d?sslmode=disable", dsn)
}
