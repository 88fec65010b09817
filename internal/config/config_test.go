package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	m, err := Load("")
	require.NoError(t, err)
	cfg := m.Get()

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.GetServerAddr())
	assert.Equal(t, 30*time.Second, cfg.Providers.Timeout)
	assert.Equal(t, "ses", cfg.Providers.Support)
	assert.Equal(t, uint32(5), cfg.Providers.Breaker.ConsecutiveFailures)
	assert.Equal(t, 5*time.Minute, cfg.Redis.CacheTTL)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
database:
  driver: postgres
  dsn: postgres://mb@localhost/mb?sslmode=disable
providers:
  timeout: 10s
  support: smtp
  smtp:
    host: relay.example.com
`)
	t.Setenv("MAILBRIDGE_SERVER_PORT", "9100")
	t.Setenv("MAILBRIDGE_WEBHOOK_SECRET", "s3cret")

	m, err := Load(path)
	require.NoError(t, err)
	cfg := m.Get()

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10*time.Second, cfg.Providers.Timeout)
	assert.Equal(t, "relay.example.com", cfg.Providers.SMTP.Host)
	assert.Equal(t, 587, cfg.Providers.SMTP.Port)
}

func TestLoadDirectorySeed(t *testing.T) {
	path := writeConfig(t, `
tickets:
  id_length: 10
directory:
  organizations:
    - id: 3
      name: Org
      routing_address: support@org.com
  linked_accounts:
    - user_id: 7
      provider: GOOGLE
      email: agent@gmail.com
      access_token: tok
`)
	m, err := Load(path)
	require.NoError(t, err)
	cfg := m.Get()

	assert.Equal(t, "random", cfg.Tickets.IDGenerator)
	assert.Equal(t, 10, cfg.Tickets.IDLength)
	require.Len(t, cfg.Directory.Organizations, 1)
	assert.Equal(t, OrganizationSeed{ID: 3, Name: "Org", RoutingAddress: "support@org.com"}, cfg.Directory.Organizations[0])
	require.Len(t, cfg.Directory.LinkedAccounts, 1)
	assert.Equal(t, int64(7), cfg.Directory.LinkedAccounts[0].UserID)
	assert.Equal(t, "tok", cfg.Directory.LinkedAccounts[0].AccessToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "sql driver needs dsn", body: "database:\n  driver: mysql\n", wantErr: "database.dsn is required"},
		{name: "unknown driver", body: "database:\n  driver: oracle\n", wantErr: "unsupported database.driver"},
		{name: "smtp needs host", body: "providers:\n  support: smtp\n", wantErr: "providers.smtp.host is required"},
		{name: "unknown support channel", body: "providers:\n  support: pigeon\n", wantErr: "providers.support must be ses or smtp"},
		{name: "seeded organization needs address", body: "directory:\n  organizations:\n    - id: 1\n      name: Org\n", wantErr: "directory.organizations[0].routing_address is required"},
		{name: "production needs jwt secret", body: "app:\n  env: production\n", wantErr: "auth.jwt_secret is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger := (&LoggingConfig{Level: "debug", Format: "text"}).NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)

	logger = (&LoggingConfig{Level: "nonsense"}).NewLogger()
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "webhook:\n  rate_limit: 5\n")
	m, err := Load(path)
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	m.Watch(nil, func(cfg *Config) {
		// editors and os.WriteFile may emit an intermediate truncate event
		if cfg.Webhook.RateLimit != 7 {
			return
		}
		select {
		case changed <- cfg:
		default:
		}
	})
	require.NoError(t, os.WriteFile(path, []byte("webhook:\n  rate_limit: 7\n"), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, 7.0, cfg.Webhook.RateLimit)
		assert.Equal(t, 7.0, m.Get().Webhook.RateLimit)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
