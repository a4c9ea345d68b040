package devicesync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/biopulse/vitalsink/internal/ingest"
	"github.com/biopulse/vitalsink/internal/notify"
)

// VendorClient is the wearable-vendor API boundary. Implementations fetch
// raw metric payloads; normalization happens downstream in the coordinator.
type VendorClient interface {
	FetchSince(ctx context.Context, since time.Time) ([]map[string]any, error)
}

// Ingestor is the slice of the coordinator the sync service needs.
type Ingestor interface {
	Ingest(ctx context.Context, raw map[string]any) ingest.IngestResult
}

// SheetReader reads back appended rows for report generation.
type SheetReader interface {
	ReadRows(ctx context.Context) ([][]string, error)
}

// IntentDispatcher hands report intents to the notification transport.
type IntentDispatcher interface {
	Dispatch(ctx context.Context, intents []notify.Intent)
}

type SyncStats struct {
	Fetched   int `json:"fetched"`
	Accepted  int `json:"accepted"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
}

type Options struct {
	Vendor     VendorClient
	Ingestor   Ingestor
	Reader     SheetReader
	Dispatcher IntentDispatcher

	SyncSchedule   string
	DailySchedule  string
	WeeklySchedule string
	// Lookback bounds the first sync after startup.
	Lookback time.Duration
}

// Service owns the scheduled jobs: periodic vendor sync, the daily summary
// and the weekly report. Jobs never overlap themselves; a slow sync simply
// skips intermediate runs.
type Service struct {
	vendor     VendorClient
	ingestor   Ingestor
	reader     SheetReader
	dispatcher IntentDispatcher

	syncSchedule   string
	dailySchedule  string
	weeklySchedule string
	lookback       time.Duration

	cron *rcron.Cron

	mu       sync.Mutex
	lastSync time.Time
	syncing  bool

	now func() time.Time
}

func NewService(opts Options) *Service {
	syncSchedule := opts.SyncSchedule
	if syncSchedule == "" {
		syncSchedule = "0 * * * *"
	}
	dailySchedule := opts.DailySchedule
	if dailySchedule == "" {
		dailySchedule = "0 8 * * *"
	}
	weeklySchedule := opts.WeeklySchedule
	if weeklySchedule == "" {
		weeklySchedule = "0 9 * * 0"
	}
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Service{
		vendor:         opts.Vendor,
		ingestor:       opts.Ingestor,
		reader:         opts.Reader,
		dispatcher:     opts.Dispatcher,
		syncSchedule:   syncSchedule,
		dailySchedule:  dailySchedule,
		weeklySchedule: weeklySchedule,
		lookback:       lookback,
		now:            time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.cron = rcron.New()

	if s.vendor != nil {
		if _, err := s.cron.AddFunc(s.syncSchedule, func() {
			if _, err := s.SyncNow(ctx); err != nil {
				log.Printf("[sync] scheduled sync failed: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("register sync job: %w", err)
		}
	}
	if s.reader != nil && s.dispatcher != nil {
		if _, err := s.cron.AddFunc(s.dailySchedule, func() { s.runDailyReport(ctx) }); err != nil {
			return fmt.Errorf("register daily report job: %w", err)
		}
		if _, err := s.cron.AddFunc(s.weeklySchedule, func() { s.runWeeklyReport(ctx) }); err != nil {
			return fmt.Errorf("register weekly report job: %w", err)
		}
	}

	s.cron.Start()
	log.Printf("[sync] scheduler started (sync=%q daily=%q weekly=%q)", s.syncSchedule, s.dailySchedule, s.weeklySchedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[sync] stop timeout waiting for running jobs")
	}
	log.Printf("[sync] scheduler stopped")
}

// SyncNow pulls a batch from the vendor and feeds every payload through the
// ingestion pipeline with source=device-sync. A failed payload is counted
// and logged, never fatal to the batch.
func (s *Service) SyncNow(ctx context.Context) (SyncStats, error) {
	if s.vendor == nil {
		return SyncStats{}, fmt.Errorf("no vendor client configured")
	}

	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return SyncStats{}, fmt.Errorf("sync already in progress")
	}
	s.syncing = true
	since := s.lastSync
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	now := s.now().UTC()
	if since.IsZero() {
		since = now.Add(-s.lookback)
	}

	payloads, err := s.vendor.FetchSince(ctx, since)
	if err != nil {
		return SyncStats{}, fmt.Errorf("fetch vendor metrics: %w", err)
	}

	stats := SyncStats{Fetched: len(payloads)}
	for _, payload := range payloads {
		if payload == nil {
			continue
		}
		if _, ok := payload["source"]; !ok {
			payload["source"] = "device-sync"
		}
		result := s.ingestor.Ingest(ctx, payload)
		switch result.Status {
		case ingest.StatusAccepted:
			stats.Accepted++
		case ingest.StatusDuplicate:
			stats.Duplicate++
		case ingest.StatusRejected:
			stats.Rejected++
			log.Printf("[sync] payload rejected: %s", result.Message)
		case ingest.StatusFailed:
			stats.Failed++
			log.Printf("[sync] payload failed: %s", result.Message)
		}
	}

	s.mu.Lock()
	s.lastSync = now
	s.mu.Unlock()

	log.Printf("[sync] completed: fetched=%d accepted=%d duplicate=%d rejected=%d failed=%d",
		stats.Fetched, stats.Accepted, stats.Duplicate, stats.Rejected, stats.Failed)
	return stats, nil
}

func (s *Service) runDailyReport(ctx context.Context) {
	rows, err := s.reader.ReadRows(ctx)
	if err != nil {
		log.Printf("[sync] daily report read failed: %v", err)
		return
	}
	now := s.now().UTC()
	summary, ok := BuildDailySummary(rows, now)
	if !ok {
		log.Printf("[sync] no rows for daily report on %s", now.Format("2006-01-02"))
		return
	}
	s.dispatcher.Dispatch(ctx, []notify.Intent{{
		ID:          fmt.Sprintf("daily-%s", now.Format("2006-01-02")),
		Kind:        notify.KindDailySummary,
		Severity:    notify.SeverityInfo,
		Message:     summary,
		TriggeredAt: now,
	}})
}

func (s *Service) runWeeklyReport(ctx context.Context) {
	rows, err := s.reader.ReadRows(ctx)
	if err != nil {
		log.Printf("[sync] weekly report read failed: %v", err)
		return
	}
	now := s.now().UTC()
	report, ok := BuildWeeklyReport(rows, now)
	if !ok {
		log.Printf("[sync] no rows for weekly report ending %s", now.Format("2006-01-02"))
		return
	}
	s.dispatcher.Dispatch(ctx, []notify.Intent{{
		ID:          fmt.Sprintf("weekly-%s", now.Format("2006-01-02")),
		Kind:        notify.KindWeeklyReport,
		Severity:    notify.SeverityInfo,
		Message:     report,
		TriggeredAt: now,
	}})
}
