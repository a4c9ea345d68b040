package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/biopulse/vitalsink/internal/record"
)

// ErrorKind classifies a failed sink call. The coordinator decides retry
// behavior from the kind alone.
type ErrorKind string

const (
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrAuthExpired     ErrorKind = "auth_expired"
	ErrSinkUnavailable ErrorKind = "sink_unavailable"
	ErrQuotaExceeded   ErrorKind = "quota_exceeded"
	ErrUnknown         ErrorKind = "unknown"
)

// AppendResult is the outcome of a single row-append attempt.
type AppendResult struct {
	Accepted   bool
	SinkRowRef string
	Kind       ErrorKind
}

type SinkError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *SinkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("sheet append failed: kind=%s status=%d message=%s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("sheet append failed: kind=%s message=%s", e.Kind, e.Message)
}

// TokenProvider supplies a bearer token for the sink API. Providers are
// expected to cache and refresh internally.
type TokenProvider func(ctx context.Context) (string, error)

type ClientOptions struct {
	BaseURL       string
	SpreadsheetID string
	Range         string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

// Client wraps the spreadsheet append API. Each AppendRow call issues
// exactly one request; retry policy lives in the ingestion coordinator.
type Client struct {
	baseURL       string
	spreadsheetID string
	valueRange    string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://sheets.googleapis.com"
	}
	valueRange := strings.TrimSpace(opts.Range)
	if valueRange == "" {
		valueRange = "HealthData!A:M"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:       baseURL,
		spreadsheetID: strings.TrimSpace(opts.SpreadsheetID),
		valueRange:    valueRange,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}
}

// Configured reports whether the client has a destination and credentials.
func (c *Client) Configured() bool {
	return c != nil && c.spreadsheetID != "" && c.tokenProvider != nil
}

// ErrNotConfigured reports a missing spreadsheet ID or credential. This is
// an operator problem, not a per-request one, and is never retried.
var ErrNotConfigured = fmt.Errorf("sheet sink is not configured")

// AppendRow appends one 13-column row for the record. Exactly one HTTP
// request is issued; the sink may still hold a duplicate row if the
// response is lost after a server-side success.
func (c *Client) AppendRow(ctx context.Context, rec record.MetricRecord) (AppendResult, error) {
	if !c.Configured() {
		return AppendResult{Kind: ErrUnknown}, ErrNotConfigured
	}
	path := fmt.Sprintf("/v4/spreadsheets/%s/values/%s:append?valueInputOption=RAW&insertDataOption=INSERT_ROWS",
		url.PathEscape(c.spreadsheetID), url.PathEscape(c.valueRange))
	body := map[string]any{"values": [][]any{rec.Row()}}

	respBody, status, header, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return AppendResult{Kind: ErrSinkUnavailable}, &SinkError{Kind: ErrSinkUnavailable, Message: err.Error()}
	}
	if status < 200 || status > 299 {
		serr := classify(status, respBody, header)
		return AppendResult{Kind: serr.Kind}, serr
	}

	var parsed struct {
		Updates struct {
			UpdatedRange string `json:"updatedRange"`
		} `json:"updates"`
	}
	_ = json.Unmarshal(respBody, &parsed)
	return AppendResult{Accepted: true, SinkRowRef: parsed.Updates.UpdatedRange}, nil
}

// ReadRows fetches the full value range. Used by the report jobs; the
// ingestion path never reads.
func (c *Client) ReadRows(ctx context.Context) ([][]string, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	path := fmt.Sprintf("/v4/spreadsheets/%s/values/%s",
		url.PathEscape(c.spreadsheetID), url.PathEscape(c.valueRange))
	respBody, status, header, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &SinkError{Kind: ErrSinkUnavailable, Message: err.Error()}
	}
	if status < 200 || status > 299 {
		return nil, classify(status, respBody, header)
	}

	var parsed struct {
		Values [][]any `json:"values"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &SinkError{Kind: ErrUnknown, Message: "malformed values response"}
	}
	rows := make([][]string, 0, len(parsed.Values))
	for _, raw := range parsed.Values {
		row := make([]string, 0, len(raw))
		for _, cell := range raw {
			row = append(row, cellString(cell))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, int, http.Header, error) {
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("resolve sink token: %w", err)
	}
	var bodyReader io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()
	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, 0, nil, readErr
	}
	return respBody, resp.StatusCode, resp.Header, nil
}

func classify(status int, body []byte, header http.Header) *SinkError {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Error struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	kind := ErrUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status == http.StatusUnauthorized:
		kind = ErrAuthExpired
	case status == http.StatusForbidden:
		if parsed.Error.Status == "RESOURCE_EXHAUSTED" || strings.Contains(strings.ToLower(message), "quota") {
			kind = ErrQuotaExceeded
		} else {
			kind = ErrAuthExpired
		}
	case status >= 500 && status <= 599:
		kind = ErrSinkUnavailable
	}

	return &SinkError{
		Kind:       kind,
		Status:     status,
		Message:    message,
		RetryAfter: parseRetryAfter(header.Get("Retry-After")),
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func cellString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", typed)
	}
}
