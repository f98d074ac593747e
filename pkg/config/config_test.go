package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatflowers/resumecredits/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsWithoutConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APP_CONFIG_NAME", "does-not-exist")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, EnvDev, cfg.Env)
	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Redis.BalanceTTL)
	assert.Equal(t, time.Hour, cfg.Ledger.RefreshInterval)
	assert.Equal(t, "ledger", cfg.AMQP.Exchange)
	require.Len(t, cfg.Plans, 3)
	assert.Equal(t, int64(999), cfg.GetPlan(types.PlanBasic).PriceCents)
}

func TestNew_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
env: prod
auth:
  issuer: https://id.example.com/
  audience: resume-api
plans:
  - id: basic
    price_cents: 500
    stripe_price_id: price_basic
  - id: standard
    price_cents: 1500
    stripe_price_id: price_standard
  - id: pro
    price_cents: 4500
    stripe_price_id: price_pro
`), 0o600))
	t.Setenv("APP_CONFIG_FILE", file)
	t.Setenv("APP_STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("APP_LEDGER_REFRESH_INTERVAL", "5m")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, EnvProd, cfg.Env)
	assert.Equal(t, "whsec_test", cfg.Stripe.WebhookSecret)
	assert.Equal(t, 5*time.Minute, cfg.Ledger.RefreshInterval)
	assert.Equal(t, types.PlanPro, cfg.GetPlanByStripePriceID("price_pro").ID)
	assert.Nil(t, cfg.GetPlanByStripePriceID(""))
}

func TestAuthDisabled_OnlyInDev(t *testing.T) {
	cfg := &Config{Env: EnvDev, Auth: AuthConfig{Disabled: true}}
	assert.True(t, cfg.AuthDisabled())

	cfg.Env = EnvProd
	assert.False(t, cfg.AuthDisabled())
}

func TestValidate(t *testing.T) {
	cfg := &Config{Env: EnvDev, Plans: types.DefaultPlans()}
	require.NoError(t, cfg.Validate())

	cfg.Plans = cfg.Plans[:2]
	require.Error(t, cfg.Validate())

	cfg = &Config{Env: EnvProd, Plans: types.DefaultPlans()}
	require.Error(t, cfg.Validate(), "prod requires identity provider settings")
}
