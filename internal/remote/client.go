// Package remote is the client for the remote sync API.
//
// Every error returned by the client is classified: errors.Is(err,
// syncerr.ErrDeliveryFailure) for failures worth retrying (network, timeout,
// 408, 429, 5xx) and errors.Is(err, syncerr.ErrPermanentRejection) for the
// rest of the 4xx range. Retrying across calls is the retry queue's job; the
// client only retries within one call when MaxRetries is set.
package remote

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

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/syncerr"
)

// Client is the remote sync API.
type Client interface {
	// PushBatch sends records of one kind and returns one result per record.
	PushBatch(ctx context.Context, kind schema.Kind, records []schema.Wire) ([]Result, error)

	// Changes returns remote changes of kind after the since cursor. An
	// empty since starts from the beginning.
	Changes(ctx context.Context, kind schema.Kind, since string, limit int) (ChangeSet, error)
}

// TokenSource supplies the session token sent as a bearer credential.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed TokenSource.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() (string, error) { return string(t), nil }

// Options configures an HTTPClient.
type Options struct {
	HTTPClient *http.Client
	Logger     *zap.Logger

	// MaxRetries is the number of in-call retries for transient replies.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient implements Client over HTTP+JSON.
type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the API at baseURL.
func NewHTTPClient(baseURL string, tokens TokenSource, opts Options) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger.Named("remote"),
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

// PushBatch implements Client.
func (c *HTTPClient) PushBatch(ctx context.Context, kind schema.Kind, records []schema.Wire) ([]Result, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var out BatchResponse
	path := fmt.Sprintf("/v1/sync/%s/batch", url.PathEscape(string(kind)))
	if err := c.doJSON(ctx, http.MethodPost, path, BatchRequest{Records: records}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Changes implements Client.
func (c *HTTPClient) Changes(ctx context.Context, kind schema.Kind, since string, limit int) (ChangeSet, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/v1/sync/%s/changes", url.PathEscape(string(kind)))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out ChangeSet
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	if c.baseURL == "" {
		return syncerr.Transient(fmt.Errorf("remote base url is not configured"))
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return err
		}
	}
	token, err := c.tokens.Token()
	if err != nil {
		return syncerr.Transient(fmt.Errorf("failed to get session token: %w", err))
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", envelope.NewID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			requestCounter.WithLabelValues(method, "network").Inc()
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return syncerr.Transient(waitErr)
				}
				continue
			}
			return syncerr.Transient(err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		requestCounter.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if readErr != nil {
			return syncerr.Transient(readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return syncerr.Transient(fmt.Errorf("failed to decode response: %w", err))
			}
			return nil
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		classified := classify(httpErr)

		if syncerr.IsRetryable(classified) && attempt < c.maxRetries {
			c.logger.Debug("retrying request",
				zap.String("method", method),
				zap.String("path", requestPath),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return syncerr.Transient(waitErr)
			}
			continue
		}
		return classified
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
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
		if delta := time.Until(ts); delta > 0 {
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
