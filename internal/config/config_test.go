package config

import (
	"testing"
	"time"

	"mining-accrual-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 60*time.Second, cfg.Engine.ReconcileInterval)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.True(t, cfg.Reward.ReferralMultiplierCap.IsZero())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ACCRUAL_TICK_INTERVAL", "250ms")
	t.Setenv("SYNC_MAX_RETRIES", "9")
	t.Setenv("REFERRAL_MULTIPLIER_CAP", "1.5")
	t.Setenv("LEDGER_BACKEND", "formance")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Engine.TickInterval)
	assert.Equal(t, 9, cfg.Sync.MaxRetries)
	assert.Equal(t, "1.5", cfg.Reward.ReferralMultiplierCap.String())
	assert.Equal(t, "formance", cfg.Ledger.Backend)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"ACCRUAL_TICK_INTERVAL":   "soon",
		"REFERRAL_MULTIPLIER_CAP": "-1",
		"LEDGER_BACKEND":          "postgres",
		"SYNC_BACKOFF_MULTIPLIER": "0.5",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseTiers(t *testing.T) {
	data := []byte(`
tiers:
  - from_day: 10
    multiplier: "1.08"
  - from_day: 20
    multiplier: "1.2"
`)
	tiers, err := ParseTiers(data)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, 10, tiers[0].FromDay)
	assert.Equal(t, "1.08", tiers[0].Multiplier.String())

	_, err = ParseTiers([]byte("tiers:\n  - from_day: 10\n"))
	assert.Error(t, err)

	_, err = ParseTiers([]byte("tiers:\n  - from_day: 10\n    multiplier: abc\n"))
	assert.Error(t, err)
}

func TestLoadSchedule_RejectsInvalidTable(t *testing.T) {
	_, err := LoadSchedule(models.RewardConfig{MultipliersFile: "does-not-exist.yaml"})
	assert.Error(t, err)

	s, err := LoadSchedule(models.RewardConfig{})
	require.NoError(t, err)
	assert.Equal(t, "1.25", s.TimeMultiplier(31).String())
}
