package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/biopulse/vitalsink/internal/record"
	"github.com/biopulse/vitalsink/internal/sheets"
)

type fakeSink struct {
	mu         sync.Mutex
	calls      int
	failFirst  int
	failKind   sheets.ErrorKind
	configured bool
}

func (s *fakeSink) AppendRow(ctx context.Context, rec record.MetricRecord) (sheets.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return sheets.AppendResult{Kind: s.failKind}, &sheets.SinkError{Kind: s.failKind, Status: 503, Message: "simulated"}
	}
	return sheets.AppendResult{Accepted: true, SinkRowRef: "HealthData!A2:M2"}, nil
}

func (s *fakeSink) Configured() bool { return s.configured }

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestCoordinator(sink Sink) *Coordinator {
	return NewCoordinator(Options{
		Sink:         sink,
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		RetryCeiling: time.Second,
		CacheSize:    16,
		CacheTTL:     time.Minute,
	})
}

func validPayload() map[string]any {
	return map[string]any{
		"heart_rate": float64(72),
		"steps":      float64(8000),
		"timestamp":  "2025-01-01T09:00:00Z",
	}
}

func TestIngestAcceptsValidPayload(t *testing.T) {
	sink := &fakeSink{configured: true}
	coord := newTestCoordinator(sink)

	result := coord.Ingest(context.Background(), validPayload())
	if result.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s (%s)", result.Status, result.Message)
	}
	if result.SinkRowRef != "HealthData!A2:M2" {
		t.Fatalf("expected sink row ref, got %q", result.SinkRowRef)
	}
	if result.Key == "" {
		t.Fatal("expected idempotency key in result")
	}
	if sink.callCount() != 1 {
		t.Fatalf("expected one sink call, got %d", sink.callCount())
	}
}

func TestIngestDuplicateWithinWindow(t *testing.T) {
	sink := &fakeSink{configured: true}
	coord := newTestCoordinator(sink)

	first := coord.Ingest(context.Background(), validPayload())
	second := coord.Ingest(context.Background(), validPayload())

	if first.Status != StatusAccepted {
		t.Fatalf("expected first accepted, got %s", first.Status)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("expected second duplicate, got %s", second.Status)
	}
	if first.Key != second.Key {
		t.Fatalf("expected matching keys, got %s vs %s", first.Key, second.Key)
	}
	if sink.callCount() != 1 {
		t.Fatalf("duplicate must not re-append; got %d sink calls", sink.callCount())
	}
}

func TestIngestResubmissionAfterCacheExpiry(t *testing.T) {
	sink := &fakeSink{configured: true}
	coord := newTestCoordinator(sink)

	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	coord.now = func() time.Time { return base }
	if result := coord.Ingest(context.Background(), validPayload()); result.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", result.Status)
	}

	coord.now = func() time.Time { return base.Add(2 * time.Minute) }
	result := coord.Ingest(context.Background(), validPayload())
	if result.Status != StatusAccepted {
		t.Fatalf("expected re-append after expiry, got %s", result.Status)
	}
	if sink.callCount() != 2 {
		t.Fatalf("expected two sink calls across the window, got %d", sink.callCount())
	}
}

func TestIngestRejectsBadTimestampWithoutSinkCall(t *testing.T) {
	sink := &fakeSink{configured: true}
	coord := newTestCoordinator(sink)

	result := coord.Ingest(context.Background(), map[string]any{"timestamp": "not-a-date"})
	if result.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", result.Status)
	}
	if sink.callCount() != 0 {
		t.Fatalf("validation failure must not reach the sink; got %d calls", sink.callCount())
	}
}

func TestIngestRetriesTransientFailures(t *testing.T) {
	sink := &fakeSink{configured: true, failFirst: 2, failKind: sheets.ErrSinkUnavailable}
	coord := newTestCoordinator(sink)

	result := coord.Ingest(context.Background(), validPayload())
	if result.Status != StatusAccepted {
		t.Fatalf("expected accepted after retries, got %s (%s)", result.Status, result.Message)
	}
	if sink.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.callCount())
	}
}

func TestIngestFailsAfterRetryExhaustion(t *testing.T) {
	sink := &fakeSink{configured: true, failFirst: 10, failKind: sheets.ErrSinkUnavailable}
	coord := newTestCoordinator(sink)

	result := coord.Ingest(context.Background(), validPayload())
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.ErrorKind != sheets.ErrSinkUnavailable {
		t.Fatalf("expected sink_unavailable kind, got %s", result.ErrorKind)
	}
	if sink.callCount() != 3 {
		t.Fatalf("expected attempts bounded at 3, got %d", sink.callCount())
	}
}

func TestIngestAuthExpiredNeverRetries(t *testing.T) {
	sink := &fakeSink{configured: true, failFirst: 10, failKind: sheets.ErrAuthExpired}
	coord := newTestCoordinator(sink)

	result := coord.Ingest(context.Background(), validPayload())
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.ErrorKind != sheets.ErrAuthExpired {
		t.Fatalf("expected auth_expired, got %s", result.ErrorKind)
	}
	if sink.callCount() != 1 {
		t.Fatalf("auth failure must make exactly one sink call, got %d", sink.callCount())
	}
}

func TestIngestQuotaExceededNeverRetries(t *testing.T) {
	sink := &fakeSink{configured: true, failFirst: 10, failKind: sheets.ErrQuotaExceeded}
	coord := newTestCoordinator(sink)

	result := coord.Ingest(context.Background(), validPayload())
	if result.Status != StatusFailed || sink.callCount() != 1 {
		t.Fatalf("expected immediate failure, got status=%s calls=%d", result.Status, sink.callCount())
	}
}

func TestIngestUnknownRetriesOnce(t *testing.T) {
	sink := &fakeSink{configured: true, failFirst: 10, failKind: sheets.ErrUnknown}
	coord := newTestCoordinator(sink)

	result := coord.Ingest(context.Background(), validPayload())
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if sink.callCount() != 2 {
		t.Fatalf("unknown errors retry once, got %d calls", sink.callCount())
	}
}

func TestIngestFiresOnRecordAfterSuccess(t *testing.T) {
	sink := &fakeSink{configured: true}
	fired := make(chan record.MetricRecord, 1)
	coord := NewCoordinator(Options{
		Sink:     sink,
		CacheTTL: time.Minute,
		OnRecord: func(rec record.MetricRecord) { fired <- rec },
	})

	if result := coord.Ingest(context.Background(), validPayload()); result.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", result.Status)
	}
	select {
	case rec := <-fired:
		if hr, ok := rec.Metric("heart_rate"); !ok || hr != 72 {
			t.Fatalf("unexpected record handed to OnRecord: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("OnRecord was not fired")
	}
}

func TestIngestRejectedPayloadDoesNotFireOnRecord(t *testing.T) {
	sink := &fakeSink{configured: true}
	fired := make(chan struct{}, 1)
	coord := NewCoordinator(Options{
		Sink:     sink,
		OnRecord: func(rec record.MetricRecord) { fired <- struct{}{} },
	})

	coord.Ingest(context.Background(), map[string]any{"timestamp": "nope"})
	select {
	case <-fired:
		t.Fatal("OnRecord must not fire for rejected submissions")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecentKeysCapacityEviction(t *testing.T) {
	cache := newRecentKeys(2, time.Minute)
	now := time.Now()
	cache.Add("a", now)
	cache.Add("b", now.Add(time.Second))
	cache.Add("c", now.Add(2*time.Second))

	if cache.Len() != 2 {
		t.Fatalf("expected capacity-bounded cache, got %d entries", cache.Len())
	}
	if cache.Seen("a", now.Add(3*time.Second)) {
		t.Fatal("oldest key should have been evicted")
	}
	if !cache.Seen("c", now.Add(3*time.Second)) {
		t.Fatal("newest key should survive")
	}
}
