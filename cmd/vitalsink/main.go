package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/biopulse/vitalsink/internal/config"
	"github.com/biopulse/vitalsink/internal/devicesync"
	"github.com/biopulse/vitalsink/internal/httpapi"
	"github.com/biopulse/vitalsink/internal/ingest"
	"github.com/biopulse/vitalsink/internal/notify"
	"github.com/biopulse/vitalsink/internal/record"
	"github.com/biopulse/vitalsink/internal/sheets"
)

func main() {
	configPath := os.Getenv("VITALSINK_CONFIG")
	if configPath == "" {
		configPath = "vitalsink.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	tokenProvider, credCloser, err := buildTokenProvider(cfg.Sheet)
	if err != nil {
		log.Fatalf("failed to initialize sink credentials: %v", err)
	}
	if credCloser != nil {
		defer func() {
			if err := credCloser(); err != nil {
				log.Printf("credential provider close failed: %v", err)
			}
		}()
	}
	sink := sheets.NewClient(sheets.ClientOptions{
		SpreadsheetID: cfg.Sheet.SpreadsheetID,
		Range:         cfg.Sheet.Range,
		TokenProvider: tokenProvider,
	})
	if !sink.Configured() {
		log.Printf("sink not configured, submissions will be rejected until SPREADSHEET_ID and credentials are set")
	}

	dispatcher, deliveryLog := buildDispatcher(cfg.Notify)
	if deliveryLog != nil {
		defer func() {
			if err := deliveryLog.Close(); err != nil {
				log.Printf("delivery log close failed: %v", err)
			}
		}()
	}
	engine := notify.NewEngine(buildRules(cfg.Notify.Rules), cfg.Notify.StepGoal)

	coordinator := ingest.NewCoordinator(ingest.Options{
		Sink:         sink,
		MaxAttempts:  cfg.Ingest.MaxAttempts,
		BackoffBase:  cfg.Ingest.BackoffBase(),
		BackoffMax:   cfg.Ingest.BackoffMax(),
		RetryCeiling: cfg.Ingest.RetryCeiling(),
		CacheSize:    cfg.Ingest.CacheSize,
		CacheTTL:     cfg.Ingest.CacheTTL(),
		OnRecord: func(rec record.MetricRecord) {
			dispatcher.Dispatch(context.Background(), engine.Evaluate(rec))
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vendor, err := buildVendorClient(cfg.Sync)
	if err != nil {
		log.Fatalf("failed to initialize vendor client: %v", err)
	}
	syncService := devicesync.NewService(devicesync.Options{
		Vendor:         vendor,
		Ingestor:       coordinator,
		Reader:         sink,
		Dispatcher:     dispatcher,
		SyncSchedule:   cfg.Sync.Schedule,
		DailySchedule:  cfg.Sync.DailySchedule,
		WeeklySchedule: cfg.Sync.WeeklySchedule,
		Lookback:       time.Duration(cfg.Sync.LookbackHours) * time.Hour,
	})
	if err := syncService.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer syncService.Stop()

	var syncer httpapi.Syncer
	if vendor != nil {
		syncer = syncService
	}
	server := httpapi.NewServer(coordinator, syncer, httpapi.ServerConfig{
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: time.Duration(cfg.Server.RateLimitWinSec) * time.Second,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server,
	}
	go func() {
		log.Printf("vitalsink listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown failed: %v", err)
	}
}

// buildTokenProvider picks the credential source: inline JSON wins, then a
// watched key file, otherwise the sink stays unconfigured.
func buildTokenProvider(cfg config.SheetConfig) (sheets.TokenProvider, func() error, error) {
	if cfg.CredentialsJSON != "" {
		provider, err := sheets.ServiceAccountTokenProvider([]byte(cfg.CredentialsJSON), nil)
		if err != nil {
			return nil, nil, err
		}
		return provider, nil, nil
	}
	if cfg.CredentialsFile != "" {
		provider, err := sheets.NewFileCredentialProvider(cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return provider.Token, provider.Close, nil
	}
	return nil, nil, nil
}

func buildDispatcher(cfg config.NotifyConfig) (*notify.Dispatcher, *notify.PostgresDeliveryLog) {
	var sender notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Fatalf("failed to initialize telegram sender: %v", err)
		}
		sender = tg
	} else {
		log.Printf("telegram not configured, notification intents will be dropped")
	}

	var deliveryLog *notify.PostgresDeliveryLog
	var logSink notify.DeliveryLog
	if cfg.DatabaseURL != "" {
		pg, err := notify.NewPostgresDeliveryLog(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to initialize delivery log: %v", err)
		}
		deliveryLog = pg
		logSink = pg
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherOptions{
		Sender:   sender,
		Log:      logSink,
		Cooldown: time.Duration(cfg.CooldownHours) * time.Hour,
		DailyCap: cfg.DailyAlertCap,
	})
	return dispatcher, deliveryLog
}

func buildVendorClient(cfg config.SyncConfig) (devicesync.VendorClient, error) {
	if cfg.VendorURL == "" {
		return nil, nil
	}
	return devicesync.NewHTTPVendorClient(cfg.VendorURL, cfg.VendorAPIKey, nil)
}

func buildRules(rules []config.ThresholdRule) []notify.Rule {
	out := make([]notify.Rule, 0, len(rules))
	for _, r := range rules {
		severity := notify.Severity(r.Severity)
		if severity == "" {
			severity = notify.SeverityWarning
		}
		out = append(out, notify.Rule{
			Name:     r.Name,
			Metric:   r.Metric,
			Above:    r.Above,
			Below:    r.Below,
			Severity: severity,
			Message:  r.Message,
		})
	}
	return out
}
