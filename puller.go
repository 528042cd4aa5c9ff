package tenantsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type HTTPPullClientOptions struct {
	BaseURL     string
	TokenSource TokenSource
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// HTTPPullClient fetches authoritative record state over the REST API.
// Transient failures (connection errors, 429, 5xx) retry with backoff,
// honoring Retry-After when the server sends one.
type HTTPPullClient struct {
	baseURL     string
	tokenSource TokenSource
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewHTTPPullClient(opts HTTPPullClientOptions) (*HTTPPullClient, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("%w: pull client base URL is required", ErrInvalidInput)
	}
	if opts.TokenSource == nil {
		return nil, fmt.Errorf("%w: pull client token source is required", ErrInvalidInput)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	return &HTTPPullClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		tokenSource: opts.TokenSource,
		httpClient:  opts.HTTPClient,
		maxRetries:  opts.MaxRetries,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
	}, nil
}

type pullRecord struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Version  uint64          `json:"version"`
	CachedAt time.Time       `json:"updatedAt"`
}

type pullResponse struct {
	Records  []pullRecord `json:"records"`
	SyncedAt time.Time    `json:"syncedAt"`
}

// FetchSince implements PullClient. A zero since requests the full
// record set for the tenant and entity type.
func (c *HTTPPullClient) FetchSince(ctx context.Context, tenantID, entityType string, since time.Time) ([]CachedRecord, time.Time, error) {
	if tenantID == "" || entityType == "" {
		return nil, time.Time{}, ErrInvalidInput
	}
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	requestPath := fmt.Sprintf("/v1/tenants/%s/%s/records", url.PathEscape(tenantID), url.PathEscape(entityType))
	if len(q) > 0 {
		requestPath += "?" + q.Encode()
	}
	var out pullResponse
	if err := c.doJSON(ctx, requestPath, &out); err != nil {
		return nil, time.Time{}, err
	}
	records := make([]CachedRecord, 0, len(out.Records))
	for _, row := range out.Records {
		records = append(records, CachedRecord{
			TenantID:   tenantID,
			EntityType: entityType,
			ID:         row.ID,
			Payload:    row.Payload,
			Version:    row.Version,
			CachedAt:   row.CachedAt,
		})
	}
	syncedAt := out.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	return records, syncedAt, nil
}

func (c *HTTPPullClient) doJSON(ctx context.Context, requestPath string, out any) error {
	token, err := c.tokenSource(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNoToken
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: pull %s: %s", ErrAuthRejected, requestPath, errPayload.Message)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPPullClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
