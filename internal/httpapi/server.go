package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/biopulse/vitalsink/internal/devicesync"
	"github.com/biopulse/vitalsink/internal/ingest"
	"github.com/biopulse/vitalsink/internal/sheets"
)

// Coordinator is the ingestion pipeline boundary the server drives.
type Coordinator interface {
	Ingest(ctx context.Context, raw map[string]any) ingest.IngestResult
	SinkConfigured() bool
}

// Syncer triggers an immediate device sync. Nil when no vendor is wired.
type Syncer interface {
	SyncNow(ctx context.Context) (devicesync.SyncStats, error)
}

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	coordinator Coordinator
	syncer      Syncer
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(coordinator Coordinator, syncer Syncer, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		coordinator: coordinator,
		syncer:      syncer,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
	case r.URL.Path == "/v1/metrics" && r.Method == http.MethodPost:
		s.handleMetrics(w, r)
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodPost:
		s.handleSync(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"sinkConfigured": s.coordinator.SinkConfigured(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if !s.allowRequest(w, r, correlationID) {
		return
	}

	var raw map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &raw) {
		return
	}

	result := s.coordinator.Ingest(r.Context(), raw)
	status, body := renderIngestResult(result)
	if result.Status == ingest.StatusFailed && result.ErrorKind == sheets.ErrRateLimited {
		w.Header().Set("Retry-After", "30")
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	writeJSON(w, status, body)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.syncer == nil {
		writeError(w, http.StatusNotImplemented, "no_vendor", "no device vendor configured", correlationID)
		return
	}
	if !s.allowRequest(w, r, correlationID) {
		return
	}

	stats, err := s.syncer.SyncNow(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, "sync_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}

// renderIngestResult maps a pipeline outcome to the response contract:
// 200 accepted/duplicate, 400 rejected, 502/503 for sink-side failures.
func renderIngestResult(result ingest.IngestResult) (int, map[string]any) {
	body := map[string]any{
		"success": result.Status == ingest.StatusAccepted || result.Status == ingest.StatusDuplicate,
		"message": result.Message,
		"status":  string(result.Status),
	}
	if len(result.Warnings) > 0 {
		body["warnings"] = result.Warnings
	}
	if result.SinkRowRef != "" {
		body["sinkRowRef"] = result.SinkRowRef
	}
	if result.ErrorKind != "" {
		body["errorKind"] = string(result.ErrorKind)
	}

	switch result.Status {
	case ingest.StatusAccepted, ingest.StatusDuplicate:
		return http.StatusOK, body
	case ingest.StatusRejected:
		return http.StatusBadRequest, body
	case ingest.StatusFailed:
		switch result.ErrorKind {
		case sheets.ErrRateLimited, sheets.ErrQuotaExceeded, sheets.ErrAuthExpired:
			return http.StatusServiceUnavailable, body
		case sheets.ErrSinkUnavailable, sheets.ErrUnknown:
			return http.StatusBadGateway, body
		default:
			return http.StatusBadGateway, body
		}
	default:
		return http.StatusInternalServerError, body
	}
}

func (s *Server) allowRequest(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return false
	}
	return true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

// getCorrelationID returns the caller's correlation ID, minting one when
// the header is absent so every log line and response can be tied back.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"success":       false,
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
