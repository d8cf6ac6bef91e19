package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/config"
	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

func TestNew_InMemoryDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.SendGrid.APIKey = "sg-test"
	cfg.Mailgun.APIKey = "mg-test" // no domain, so not registered

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	require.NotNil(t, a.Engine)
	require.NotNil(t, a.Runner)
	assert.Equal(t, domain.ESPSendGrid, a.Engine.Config().DefaultProvider)

	res, err := a.Engine.Enqueue(context.Background(), &delivery.EnqueueRequest{
		To: "a@example.com", From: "news@example.com", Subject: "s", Text: "t",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, res.Status)

	_, err = a.Engine.Enqueue(context.Background(), &delivery.EnqueueRequest{
		To: "a@example.com", From: "news@example.com", Subject: "s", Text: "t", Provider: domain.ESPMailgun,
	})
	assert.ErrorIs(t, err, delivery.ErrValidation, "mailgun without a domain stays unregistered")
}

func TestNew_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Redis)

	assert.True(t, a.Runner.Tick(context.Background()))
	assert.True(t, mr.Exists("lock:delivery:drain"))
}

func TestNew_UnreachableRedisFallsBack(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Redis.Addr = "127.0.0.1:1"

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Redis)
}

func TestConfigureLogging(t *testing.T) {
	f := false
	ConfigureLogging(config.LoggingConfig{Level: "debug", RedactPII: &f})
	ConfigureLogging(config.LoggingConfig{Level: "info"})
}
