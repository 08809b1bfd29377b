package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 90*24*time.Hour, cfg.Billing.Ledger.CreditTTL)
	assert.Equal(t, int64(10), cfg.Billing.Ledger.LowBalanceThreshold)
	assert.Equal(t, 30*24*time.Hour, cfg.Billing.Referral.LinkTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.Billing.Subscription.TrialPeriod)
	assert.Equal(t, "memory", cfg.Billing.Cache.Backend)
	assert.Equal(t, 200, cfg.Billing.Scheduler.BatchSize)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	err := os.WriteFile(path, []byte(`
env: staging
logger:
  level: debug
billing:
  ledger:
    low_balance_threshold: 25
  referral:
    base_url: https://refer.example.com
    reward_credits: 75
`), 0o600)
	require.NoError(t, err)

	t.Setenv("REFERRAL_REWARD_CREDITS", "100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, int64(25), cfg.Billing.Ledger.LowBalanceThreshold)
	assert.Equal(t, "https://refer.example.com", cfg.Billing.Referral.BaseURL)
	assert.Equal(t, int64(100), cfg.Billing.Referral.RewardCredits)
	assert.Equal(t, 30*24*time.Hour, cfg.Billing.Referral.LinkTTL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	text, err := Describe()
	require.NoError(t, err)

	assert.Contains(t, text, "LEDGER_CREDIT_TTL")
	assert.Contains(t, text, "REFERRAL_BASE_URL")
}
