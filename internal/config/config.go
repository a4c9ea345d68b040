package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultAddr            = ":8090"
	DefaultSheetRange      = "HealthData!A:M"
	DefaultMaxAttempts     = 3
	DefaultBackoffBaseMs   = 200
	DefaultBackoffMaxMs    = 3000
	DefaultRetryCeilingSec = 10
	DefaultCacheSize       = 1024
	DefaultCacheTTLMin     = 10
	DefaultCooldownHours   = 2
	DefaultDailyAlertCap   = 5
	DefaultStepGoal        = 10000
	DefaultSyncSchedule    = "0 * * * *"
	DefaultDailySchedule   = "0 8 * * *"
	DefaultWeeklySchedule  = "0 9 * * 0"
	DefaultLookbackHours   = 24
	DefaultRateLimitMax    = 60
	DefaultMaxBodyBytes    = 1 << 20
)

type Config struct {
	Addr   string       `json:"addr"`
	Sheet  SheetConfig  `json:"sheet"`
	Ingest IngestConfig `json:"ingest"`
	Notify NotifyConfig `json:"notify"`
	Sync   SyncConfig   `json:"sync"`
	Server ServerConfig `json:"server"`
}

type SheetConfig struct {
	SpreadsheetID   string `json:"spreadsheetId"`
	Range           string `json:"range"`
	CredentialsJSON string `json:"credentialsJson,omitempty"`
	CredentialsFile string `json:"credentialsFile,omitempty"`
}

type IngestConfig struct {
	MaxAttempts     int `json:"maxAttempts" validate:"min=1,max=10"`
	BackoffBaseMs   int `json:"backoffBaseMs" validate:"min=1"`
	BackoffMaxMs    int `json:"backoffMaxMs" validate:"min=1"`
	RetryCeilingSec int `json:"retryCeilingSec" validate:"min=1"`
	CacheSize       int `json:"cacheSize" validate:"min=1"`
	CacheTTLMin     int `json:"cacheTtlMin" validate:"min=1"`
}

type NotifyConfig struct {
	TelegramToken  string          `json:"telegramToken,omitempty"`
	TelegramChatID int64           `json:"telegramChatId,omitempty"`
	DatabaseURL    string          `json:"databaseUrl,omitempty"`
	CooldownHours  int             `json:"cooldownHours" validate:"min=0"`
	DailyAlertCap  int             `json:"dailyAlertCap" validate:"min=0"`
	StepGoal       float64         `json:"stepGoal" validate:"min=0"`
	Rules          []ThresholdRule `json:"rules" validate:"dive"`
}

type ThresholdRule struct {
	Name     string   `json:"name" validate:"required"`
	Metric   string   `json:"metric" validate:"required"`
	Above    *float64 `json:"above,omitempty"`
	Below    *float64 `json:"below,omitempty"`
	Severity string   `json:"severity,omitempty" validate:"omitempty,oneof=info warning critical"`
	Message  string   `json:"message,omitempty"`
}

type SyncConfig struct {
	VendorURL      string `json:"vendorUrl,omitempty"`
	VendorAPIKey   string `json:"vendorApiKey,omitempty"`
	Schedule       string `json:"schedule"`
	DailySchedule  string `json:"dailySchedule"`
	WeeklySchedule string `json:"weeklySchedule"`
	LookbackHours  int    `json:"lookbackHours" validate:"min=1"`
}

type ServerConfig struct {
	RateLimitMax    int   `json:"rateLimitMax" validate:"min=0"`
	RateLimitWinSec int   `json:"rateLimitWindowSec" validate:"min=1"`
	MaxBodyBytes    int64 `json:"maxBodyBytes" validate:"min=1"`
}

func Default() Config {
	return Config{
		Addr: DefaultAddr,
		Sheet: SheetConfig{
			Range: DefaultSheetRange,
		},
		Ingest: IngestConfig{
			MaxAttempts:     DefaultMaxAttempts,
			BackoffBaseMs:   DefaultBackoffBaseMs,
			BackoffMaxMs:    DefaultBackoffMaxMs,
			RetryCeilingSec: DefaultRetryCeilingSec,
			CacheSize:       DefaultCacheSize,
			CacheTTLMin:     DefaultCacheTTLMin,
		},
		Notify: NotifyConfig{
			CooldownHours: DefaultCooldownHours,
			DailyAlertCap: DefaultDailyAlertCap,
			StepGoal:      DefaultStepGoal,
			Rules: []ThresholdRule{
				{Name: "high_resting_hr", Metric: "resting_hr", Above: floatPtr(100), Severity: "warning"},
				{Name: "high_stress", Metric: "stress_level", Above: floatPtr(80), Severity: "warning"},
				{Name: "low_spo2", Metric: "spo2", Below: floatPtr(92), Severity: "critical"},
			},
		},
		Sync: SyncConfig{
			Schedule:       DefaultSyncSchedule,
			DailySchedule:  DefaultDailySchedule,
			WeeklySchedule: DefaultWeeklySchedule,
			LookbackHours:  DefaultLookbackHours,
		},
		Server: ServerConfig{
			RateLimitMax:    DefaultRateLimitMax,
			RateLimitWinSec: 60,
			MaxBodyBytes:    DefaultMaxBodyBytes,
		},
	}
}

// Load builds the effective configuration: defaults, then the optional
// JSON config file, then environment overrides. A .env file next to the
// process is honored the same way the deploy environment would inject it.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Addr, "VITALSINK_ADDR")
	setString(&c.Sheet.SpreadsheetID, "SPREADSHEET_ID")
	setString(&c.Sheet.Range, "SHEET_RANGE")
	setString(&c.Sheet.CredentialsJSON, "GOOGLE_CREDENTIALS_JSON")
	setString(&c.Sheet.CredentialsFile, "GOOGLE_CREDENTIALS_FILE")
	setString(&c.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setInt64(&c.Notify.TelegramChatID, "TELEGRAM_CHAT_ID")
	setString(&c.Notify.DatabaseURL, "NOTIFY_DATABASE_URL")
	setString(&c.Sync.VendorURL, "VENDOR_SYNC_URL")
	setString(&c.Sync.VendorAPIKey, "VENDOR_SYNC_API_KEY")
	setInt(&c.Ingest.MaxAttempts, "INGEST_MAX_ATTEMPTS")
	setInt(&c.Ingest.CacheSize, "INGEST_CACHE_SIZE")
	setInt(&c.Ingest.CacheTTLMin, "INGEST_CACHE_TTL_MIN")
}

// SinkConfigured reports whether a sink destination and credential source
// are both present. Missing either is a startup-time configuration error.
func (c Config) SinkConfigured() bool {
	return c.Sheet.SpreadsheetID != "" &&
		(c.Sheet.CredentialsJSON != "" || c.Sheet.CredentialsFile != "")
}

func (c IngestConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c IngestConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

func (c IngestConfig) RetryCeiling() time.Duration {
	return time.Duration(c.RetryCeilingSec) * time.Second
}

func (c IngestConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMin) * time.Minute
}

func setString(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	}
}

func setInt64(dst *int64, name string) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*dst = v
	}
}

func floatPtr(v float64) *float64 { return &v }
