package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/crm-dispatch/pkg/config"
	"github.com/a-essam23/crm-dispatch/pkg/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
  auth:
    jwtSecret: "s3cret"
    issuer: "crm"
  connectionLimit:
    maxPerUser: 3
    mode: cycle
transport:
  readTimeout: 30s
  writeTimeout: 2s
broadcast:
  concurrency: 8
log:
  level: debug
  format: json
`)
	cfg, err := config.Load(logging.Discard(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "s3cret", cfg.Server.Auth.JWTSecret)
	assert.Equal(t, "crm", cfg.Server.Auth.Issuer)
	assert.Equal(t, 3, cfg.Server.ConnectionLimit.MaxPerUser)
	assert.Equal(t, "cycle", cfg.Server.ConnectionLimit.Mode)
	assert.Equal(t, 30*time.Second, cfg.Transport.ReadTimeout)
	assert.Equal(t, 2*time.Second, cfg.Transport.WriteTimeout)
	assert.Equal(t, int64(64*1024), cfg.Transport.ReadLimit)
	assert.Equal(t, 2*time.Second, cfg.Transport.CloseTimeout)
	assert.Equal(t, 8, cfg.Broadcast.Concurrency)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  auth:
    jwtSecret: "from-file"
`)
	t.Setenv("CRMDISPATCH_SERVER_AUTH_JWTSECRET", "from-env")
	t.Setenv("CRMDISPATCH_SERVER_ADDRESS", ":7070")

	cfg, err := config.Load(logging.Discard(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.Auth.JWTSecret)
	assert.Equal(t, ":7070", cfg.Server.Address)
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("CRMDISPATCH_SERVER_AUTH_JWTSECRET", "env-secret")
	t.Setenv("CRMDISPATCH_SERVER_AUTH_ISSUER", "crm-api")
	t.Setenv("CRMDISPATCH_SERVER_AUTH_AUDIENCE", "crm-ws")
	t.Setenv("CRMDISPATCH_TRANSPORT_CLOSETIMEOUT", "500ms")

	cfg, err := config.Load(logging.Discard(), "no-such-config")
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Server.Auth.JWTSecret)
	assert.Equal(t, "crm-api", cfg.Server.Auth.Issuer)
	assert.Equal(t, "crm-ws", cfg.Server.Auth.Audience)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.CloseTimeout)
	assert.Equal(t, 10*time.Second, cfg.Transport.WriteTimeout)
}

func TestLoadRequiresSecret(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":8080\"\n")
	_, err := config.Load(logging.Discard(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwtSecret")
}

func TestValidateRejectsUnknownLimiterMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Auth.JWTSecret = "x"
	cfg.Server.ConnectionLimit.Mode = "drop"
	require.Error(t, cfg.Validate())

	cfg.Server.ConnectionLimit.Mode = "reject"
	require.NoError(t, cfg.Validate())
}
