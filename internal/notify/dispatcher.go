package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Sender delivers a formatted message over whatever transport is wired in.
// Delivery success is best-effort; the core never learns the final fate of
// a message beyond the transport call's error.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// DeliveryLog records emitted intents for audit. Implementations must
// tolerate being called from the ingestion hot path's detached goroutine.
type DeliveryLog interface {
	Record(ctx context.Context, intent Intent, delivered bool) error
}

type NopDeliveryLog struct{}

func (NopDeliveryLog) Record(ctx context.Context, intent Intent, delivered bool) error {
	return nil
}

type DispatcherOptions struct {
	Sender      Sender
	Log         DeliveryLog
	Cooldown    time.Duration
	DailyCap    int
	SendTimeout time.Duration
}

// Dispatcher forwards intents to the sender, suppressing repeats of the
// same rule inside the cooldown window and capping alerts per day.
// Critical alerts bypass both limits.
type Dispatcher struct {
	sender      Sender
	deliveryLog DeliveryLog
	cooldown    time.Duration
	dailyCap    int
	sendTimeout time.Duration

	mu        sync.Mutex
	lastSent  map[string]time.Time
	capDay    string
	sentToday int

	now func() time.Time
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 2 * time.Hour
	}
	dailyCap := opts.DailyCap
	if dailyCap <= 0 {
		dailyCap = 5
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	deliveryLog := opts.Log
	if deliveryLog == nil {
		deliveryLog = NopDeliveryLog{}
	}
	return &Dispatcher{
		sender:      opts.Sender,
		deliveryLog: deliveryLog,
		cooldown:    cooldown,
		dailyCap:    dailyCap,
		sendTimeout: sendTimeout,
		lastSent:    map[string]time.Time{},
		now:         time.Now,
	}
}

// Dispatch delivers each intent in order. A failed or suppressed intent
// never blocks the rest of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []Intent) {
	for _, intent := range intents {
		d.dispatchOne(ctx, intent)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, intent Intent) {
	if d.sender == nil {
		log.Printf("[notify] no sender configured, dropping %s intent %s", intent.Kind, intent.ID)
		return
	}
	if !d.allow(intent) {
		log.Printf("[notify] suppressed %s intent rule=%s (cooldown or daily cap)", intent.Kind, intent.Rule)
		if err := d.deliveryLog.Record(ctx, intent, false); err != nil {
			log.Printf("[notify] delivery log failed: %v", err)
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	err := d.sender.Send(sendCtx, FormatMessage(intent))
	if err != nil {
		log.Printf("[notify] delivery failed for intent %s: %v", intent.ID, err)
	}
	if logErr := d.deliveryLog.Record(ctx, intent, err == nil); logErr != nil {
		log.Printf("[notify] delivery log failed: %v", logErr)
	}
}

// allow applies cooldown and daily-cap suppression. Only alert intents are
// limited; summaries and reports are already schedule-gated.
func (d *Dispatcher) allow(intent Intent) bool {
	if intent.Kind != KindAlert {
		return true
	}
	if intent.Severity == SeverityCritical {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now().UTC()

	day := now.Format("2006-01-02")
	if d.capDay != day {
		d.capDay = day
		d.sentToday = 0
	}
	if d.sentToday >= d.dailyCap {
		return false
	}
	if last, ok := d.lastSent[intent.Rule]; ok && now.Sub(last) < d.cooldown {
		return false
	}

	d.lastSent[intent.Rule] = now
	d.sentToday++
	return true
}

// FormatMessage renders an intent as a Markdown chat message.
func FormatMessage(intent Intent) string {
	switch intent.Kind {
	case KindAlert:
		prefix := "⚠️"
		if intent.Severity == SeverityCritical {
			prefix = "🚨"
		}
		return fmt.Sprintf("%s *Health Alert* %s\n\n%s", prefix, prefix, intent.Message)
	case KindGoalAchieved:
		return fmt.Sprintf("🎉 *Goal Achieved*\n\n%s", intent.Message)
	case KindDailySummary:
		return fmt.Sprintf("📊 *Daily Summary*\n\n%s", intent.Message)
	case KindWeeklyReport:
		return fmt.Sprintf("📈 *Weekly Report*\n\n%s", intent.Message)
	default:
		return intent.Message
	}
}
