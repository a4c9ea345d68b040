package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultSheetRange, cfg.Sheet.Range)
	assert.Equal(t, DefaultMaxAttempts, cfg.Ingest.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Ingest.CacheTTL())
	assert.Equal(t, 10*time.Second, cfg.Ingest.RetryCeiling())
	assert.NotEmpty(t, cfg.Notify.Rules)
	assert.False(t, cfg.SinkConfigured())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"addr": ":9999",
		"sheet": {"spreadsheetId": "sheet_42", "range": "Data!A:M", "credentialsFile": "/etc/cred.json"},
		"ingest": {"maxAttempts": 5, "backoffBaseMs": 100, "backoffMaxMs": 1000, "retryCeilingSec": 8, "cacheSize": 64, "cacheTtlMin": 5},
		"notify": {"cooldownHours": 1, "dailyAlertCap": 3, "stepGoal": 8000,
			"rules": [{"name": "high_hr", "metric": "heart_rate", "above": 120, "severity": "critical"}]},
		"sync": {"schedule": "*/30 * * * *", "dailySchedule": "0 7 * * *", "weeklySchedule": "0 9 * * 0", "lookbackHours": 12},
		"server": {"rateLimitMax": 10, "rateLimitWindowSec": 30, "maxBodyBytes": 4096}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "sheet_42", cfg.Sheet.SpreadsheetID)
	assert.True(t, cfg.SinkConfigured())
	assert.Equal(t, 5, cfg.Ingest.MaxAttempts)
	require.Len(t, cfg.Notify.Rules, 1)
	assert.Equal(t, "high_hr", cfg.Notify.Rules[0].Name)
	require.NotNil(t, cfg.Notify.Rules[0].Above)
	assert.Equal(t, 120.0, *cfg.Notify.Rules[0].Above)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SPREADSHEET_ID", "env_sheet")
	t.Setenv("GOOGLE_CREDENTIALS_JSON", `{"client_email":"x"}`)
	t.Setenv("TELEGRAM_CHAT_ID", "12345")
	t.Setenv("INGEST_MAX_ATTEMPTS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env_sheet", cfg.Sheet.SpreadsheetID)
	assert.True(t, cfg.SinkConfigured())
	assert.Equal(t, int64(12345), cfg.Notify.TelegramChatID)
	assert.Equal(t, 7, cfg.Ingest.MaxAttempts)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"ingest": {"maxAttempts": 0, "backoffBaseMs": 100, "backoffMaxMs": 1000, "retryCeilingSec": 8, "cacheSize": 64, "cacheTtlMin": 5}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadRuleSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"notify": {"cooldownHours": 1, "dailyAlertCap": 3, "stepGoal": 0,
		"rules": [{"name": "r", "metric": "heart_rate", "severity": "catastrophic"}]}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Addr)
}
