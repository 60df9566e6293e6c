package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/config"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/resilience"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// Option configures an HTTPCollaborator.
type Option func(*HTTPCollaborator)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPCollaborator) {
		c.http = hc
	}
}

// WithRetry overrides the retry policy (for testing).
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *HTTPCollaborator) {
		c.retry = cfg
	}
}

// HTTPCollaborator posts discovery requests to an extraction service.
type HTTPCollaborator struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewHTTPCollaborator creates a client for the service at cfg.BaseURL.
func NewHTTPCollaborator(cfg config.DiscoveryConfig, opts ...Option) *HTTPCollaborator {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	c := &HTTPCollaborator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.RetryFromConfig(cfg),
	}
	c.retry.OnRetry = resilience.RetryLogger("discovery", "discover")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover posts the search and returns the decoded records. 408, 429 and
// 5xx responses and network timeouts are retried with backoff.
func (c *HTTPCollaborator) Discover(ctx context.Context, entityType model.EntityType, searchParams string, sourceID int64) ([]model.DiscoveredRecord, error) {
	body, err := json.Marshal(Request{EntityType: entityType, SearchParams: searchParams, SourceID: sourceID})
	if err != nil {
		return nil, eris.Wrap(err, "discovery: marshal request")
	}

	resp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *HTTPCollaborator) post(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/discover", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "discovery: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "discovery: read response"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("discovery: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrapf(model.ErrDiscoveryFailure, "decode response: %v", err)
	}
	return &out, nil
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
