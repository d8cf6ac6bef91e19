package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  run_drain: true

database:
  url: "postgres://localhost/delivery?sslmode=disable"

sendgrid:
  api_key: "sg-key"

mailgun:
  api_key: "mg-key"
  domain: "mg.example.com"
  timeout_seconds: 20

delivery:
  default_provider: "Mailgun"
  max_retries: 5
  backoff_base_seconds: 10
  circuit_threshold: 3
  provider_rate_limits:
    SendGrid: 600
  warmup_enabled: true
  warmup_daily_limit: 5000
  dead_letter_alert_interval_minutes: 30

unsubscribe:
  base_url: "https://mail.example.com/unsubscribe"
  secret: "s3cret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.RunDrain)
	assert.Equal(t, "mg.example.com", cfg.Mailgun.Domain)
	assert.Equal(t, 20*time.Second, cfg.Mailgun.Timeout())
	assert.Equal(t, 15*time.Second, cfg.SendGrid.Timeout(), "default provider timeout")
	assert.Equal(t, 5*time.Second, cfg.Delivery.DrainInterval())
	assert.Equal(t, "us-east-1", cfg.Archive.AWSRegion)
	assert.True(t, cfg.Logging.Redact())

	ec := cfg.Engine()
	assert.Equal(t, domain.ESPMailgun, ec.DefaultProvider)
	assert.Equal(t, 5, ec.MaxRetries)
	assert.Equal(t, 10*time.Second, ec.BackoffBase)
	assert.Equal(t, 3, ec.CircuitThreshold)
	assert.Equal(t, 600, ec.ProviderRateLimits[domain.ESPSendGrid])
	assert.True(t, ec.WarmupEnabled)
	assert.Equal(t, 30*time.Minute, ec.DeadLetterAlertInterval)
	assert.Equal(t, "s3cret", ec.UnsubscribeSecret)
	assert.Zero(t, ec.CircuitWindow, "unset values fall through to engine defaults")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "sendgrid", cfg.Delivery.DefaultProvider)
	assert.Equal(t, "delivery", cfg.Redis.Prefix)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Archive.Enabled())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	assert.Error(t, err)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := writeConfig(t, `
sendgrid:
  api_key: "from-file"
`)
	t.Setenv("SENDGRID_API_KEY", "from-env")
	t.Setenv("DATABASE_URL", "postgres://db/delivery")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DELIVERY_MAX_RETRIES", "7")
	t.Setenv("DELIVERY_WARMUP_DAILY_LIMIT", "2500")
	t.Setenv("DEAD_LETTER_S3_BUCKET", "dlq")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.SendGrid.APIKey)
	assert.Equal(t, "postgres://db/delivery", cfg.Database.URL)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 7, cfg.Delivery.MaxRetries)
	assert.True(t, cfg.Delivery.WarmupEnabled)
	assert.Equal(t, 2500, cfg.Delivery.WarmupDailyLimit)
	assert.True(t, cfg.Archive.Enabled())
}

func TestServerConfig_GetHost(t *testing.T) {
	t.Setenv("ECS_CONTAINER_METADATA_URI", "")
	t.Setenv("AWS_EXECUTION_ENV", "")
	t.Setenv("SERVER_HOST", "")
	assert.Equal(t, "localhost", ServerConfig{Host: "localhost"}.GetHost())

	t.Setenv("SERVER_HOST", "127.0.0.2")
	assert.Equal(t, "127.0.0.2", ServerConfig{Host: "localhost"}.GetHost())

	t.Setenv("AWS_EXECUTION_ENV", "AWS_ECS_FARGATE")
	assert.Equal(t, "0.0.0.0", ServerConfig{Host: "localhost"}.GetHost())
}
