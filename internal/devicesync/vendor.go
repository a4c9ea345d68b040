package devicesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPVendorClient pulls raw metric payloads from a vendor export endpoint
// that returns a JSON array of flat objects. The endpoint contract is
// deliberately thin: richer vendor integrations live outside this process.
type HTTPVendorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPVendorClient(baseURL, apiKey string, httpClient *http.Client) (*HTTPVendorClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("vendor base URL is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPVendorClient{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient}, nil
}

func (c *HTTPVendorClient) FetchSince(ctx context.Context, since time.Time) ([]map[string]any, error) {
	endpoint := c.baseURL + "/metrics?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vendor fetch: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vendor fetch failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payloads []map[string]any
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("vendor response is not a JSON array: %w", err)
	}
	return payloads, nil
}
