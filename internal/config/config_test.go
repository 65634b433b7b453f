package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/protection"
)

func TestLoadFirstRunWritesTemplates(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.FileExists(t, filepath.Join(dir, "credentials.toml"))
	assert.Equal(t, protection.DefaultTiers(), cfg.Protection.Tiers)

	info, err := os.Stat(filepath.Join(dir, "credentials.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// The written template loads back to the same settings.
	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Protection, again.Protection)
	assert.Equal(t, 23*time.Hour, again.Token.RefreshInterval)
	assert.Equal(t, filepath.Join(dir, "tracker.db"), again.Store.DBPath)
	assert.Equal(t, "30 8 * * 1-5", again.Scheduler.AMOSchedule)
}

func TestLoadOverridesTiersAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[trading]
mode = "paper"

[protection]
max_loss_pct = 8.0
amo_time = "PRE_OPEN"
submit_concurrency = 1

[[protection.tiers]]
min_pnl_pct = 40.0
lock_pct = 25.0

[[protection.tiers]]
min_pnl_pct = 0.0
lock_pct = 0.0

[http]
timeout = "5s"
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.toml"), []byte(`
[dhan]
client_id = "1100"
access_token = "from-file"
`), 0600))

	t.Setenv("DHAN_ACCESS_TOKEN", "from-env")
	t.Setenv("APP_PASSWORD", "s3cret")
	t.Setenv("TRACKER_DB_PATH", filepath.Join(dir, "custom.db"))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.True(t, cfg.IsPaperMode())
	assert.Equal(t, []protection.Tier{{MinPnLPct: 40, LockPct: 25}, {MinPnLPct: 0, LockPct: 0}}, cfg.Protection.Tiers)
	assert.Equal(t, 8.0, cfg.Protection.MaxLossPct)
	assert.Equal(t, 5.0, cfg.Protection.DeepLossPct, "unset keys keep their defaults")
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, "1100", cfg.Credentials.Dhan.ClientID)
	assert.Equal(t, "from-env", cfg.Credentials.Dhan.AccessToken)
	assert.Equal(t, "s3cret", cfg.Server.Password)
	assert.Equal(t, filepath.Join(dir, "custom.db"), cfg.Store.DBPath)

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, models.AMOPreOpen, oc.AMOTime)
	assert.Equal(t, 1, oc.SubmitConcurrency)
}

func TestSMTPEnvEnablesEmail(t *testing.T) {
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PORT", "465")
	t.Setenv("EMAIL_TO", "me@example.com")

	cfg := Default()
	applyEnvOverrides(cfg)
	assert.True(t, cfg.Notifications.Enabled)
	assert.True(t, cfg.Notifications.Email.Enabled)
	assert.Equal(t, 465, cfg.Notifications.Email.SMTPPort)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"mode", func(c *Config) { c.Trading.Mode = "yolo" }, "trading.mode"},
		{"broker", func(c *Config) { c.Trading.Broker = "robinhood" }, "trading.broker"},
		{"amo slot", func(c *Config) { c.Protection.AMOTime = "MIDNIGHT" }, "protection.amo_time"},
		{"submit width", func(c *Config) { c.Protection.SubmitConcurrency = 8 }, "protection.submit_concurrency"},
		{"tiers", func(c *Config) { c.Protection.Tiers = []protection.Tier{{MinPnLPct: 10, LockPct: 20}} }, "protection"},
		{"timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"refresh after expiry", func(c *Config) { c.Token.RefreshInterval = 24 * time.Hour }, "token.refresh_interval"},
		{"refresh past lifetime", func(c *Config) { c.Token.RefreshInterval = 30 * time.Hour }, "token.refresh_interval"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *apperrors.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), err.Error())
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
		})
	}
}

func TestWriteTemplatesKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	written, err := WriteTemplates(dir, false)
	require.NoError(t, err)
	assert.Len(t, written, 2)

	written, err = WriteTemplates(dir, false)
	require.NoError(t, err)
	assert.Empty(t, written)

	written, err = WriteTemplates(dir, true)
	require.NoError(t, err)
	assert.Len(t, written, 2)
}
