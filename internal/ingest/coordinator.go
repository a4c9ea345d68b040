package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/biopulse/vitalsink/internal/record"
	"github.com/biopulse/vitalsink/internal/sheets"
)

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// IngestResult is the terminal outcome of one submission. Every submission
// ends in exactly one of the four statuses; nothing is silently dropped.
type IngestResult struct {
	Status     Status
	Message    string
	Warnings   []string
	ErrorKind  sheets.ErrorKind
	SinkRowRef string
	Key        string
}

// Sink is the append-only tabular store boundary. Implementations issue a
// single attempt per call; the coordinator owns retries.
type Sink interface {
	AppendRow(ctx context.Context, rec record.MetricRecord) (sheets.AppendResult, error)
	Configured() bool
}

type Options struct {
	Sink         Sink
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	RetryCeiling time.Duration
	CacheSize    int
	CacheTTL     time.Duration
	// OnRecord runs after a successful append, fire-and-forget. Used to
	// hand the record to threshold evaluation without coupling the
	// response to notification delivery.
	OnRecord func(rec record.MetricRecord)
}

type Coordinator struct {
	sink         Sink
	maxAttempts  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	retryCeiling time.Duration
	recent       *recentKeys
	onRecord     func(rec record.MetricRecord)
	now          func() time.Time
}

func NewCoordinator(opts Options) *Coordinator {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	backoffMax := opts.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 3 * time.Second
	}
	retryCeiling := opts.RetryCeiling
	if retryCeiling <= 0 {
		retryCeiling = 10 * time.Second
	}
	return &Coordinator{
		sink:         opts.Sink,
		maxAttempts:  maxAttempts,
		backoffBase:  backoffBase,
		backoffMax:   backoffMax,
		retryCeiling: retryCeiling,
		recent:       newRecentKeys(opts.CacheSize, opts.CacheTTL),
		onRecord:     opts.OnRecord,
		now:          time.Now,
	}
}

// Ingest runs the normalize -> dedupe -> append pipeline for one raw
// submission.
func (c *Coordinator) Ingest(ctx context.Context, raw map[string]any) IngestResult {
	rec, warnings, err := record.Normalize(raw)
	if err != nil {
		// Malformed input cannot become valid on retry.
		var verr *record.ValidationError
		message := err.Error()
		if errors.As(err, &verr) {
			message = verr.Message
		}
		log.Printf("[ingest] rejected submission: %v", err)
		return IngestResult{Status: StatusRejected, Message: message, Warnings: warnings}
	}

	key := record.DeriveKey(rec)
	now := c.now().UTC()
	if c.recent.Seen(key, now) {
		log.Printf("[ingest] duplicate submission suppressed key=%s", key)
		return IngestResult{
			Status:   StatusDuplicate,
			Message:  "record already appended within the dedup window",
			Warnings: warnings,
			Key:      key,
		}
	}

	result, appendErr := c.appendWithRetry(ctx, rec, key)
	if appendErr != nil {
		kind := sheets.ErrUnknown
		var serr *sheets.SinkError
		if errors.As(appendErr, &serr) {
			kind = serr.Kind
		}
		log.Printf("[ingest] append failed key=%s kind=%s: %v", key, kind, appendErr)
		return IngestResult{
			Status:    StatusFailed,
			Message:   appendErr.Error(),
			Warnings:  warnings,
			ErrorKind: kind,
			Key:       key,
		}
	}

	c.recent.Add(key, c.now().UTC())
	if c.onRecord != nil {
		go c.onRecord(rec)
	}
	return IngestResult{
		Status:     StatusAccepted,
		Message:    "record appended",
		Warnings:   warnings,
		SinkRowRef: result.SinkRowRef,
		Key:        key,
	}
}

// SinkConfigured reports whether the underlying sink has a destination.
func (c *Coordinator) SinkConfigured() bool {
	return c.sink != nil && c.sink.Configured()
}

func (c *Coordinator) appendWithRetry(ctx context.Context, rec record.MetricRecord, key string) (sheets.AppendResult, error) {
	deadline := c.now().Add(c.retryCeiling)
	var lastErr error

	for attempt := 1; ; attempt++ {
		// The active attempt runs to completion even if the caller goes
		// away: the sink has no rollback, so abandoning a request mid
		// flight risks an orphaned half-written state on our side while
		// the row still lands.
		result, err := c.sink.AppendRow(context.WithoutCancel(ctx), rec)
		if err == nil {
			return result, nil
		}
		lastErr = err

		retries, delay := c.retryPlan(err, attempt)
		if !retries || attempt >= c.maxAttempts {
			return result, lastErr
		}
		if c.now().Add(delay).After(deadline) {
			log.Printf("[ingest] retry ceiling reached key=%s after attempt %d", key, attempt)
			return result, lastErr
		}
		if err := sleepContext(ctx, delay); err != nil {
			return result, lastErr
		}
	}
}

// retryPlan decides whether an append error is worth another attempt and
// how long to wait first.
func (c *Coordinator) retryPlan(err error, attempt int) (bool, time.Duration) {
	if errors.Is(err, sheets.ErrNotConfigured) {
		return false, 0
	}
	var serr *sheets.SinkError
	if !errors.As(err, &serr) {
		return false, 0
	}
	switch serr.Kind {
	case sheets.ErrAuthExpired, sheets.ErrQuotaExceeded:
		// Operator action required; retrying only burns quota.
		return false, 0
	case sheets.ErrUnknown:
		return attempt < 2, c.backoff(attempt, 0)
	case sheets.ErrRateLimited, sheets.ErrSinkUnavailable:
		return true, c.backoff(attempt, serr.RetryAfter)
	default:
		return false, 0
	}
}

func (c *Coordinator) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > c.backoffMax {
			return c.backoffMax
		}
		return retryAfter
	}
	delay := c.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.backoffMax {
			return c.backoffMax
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
