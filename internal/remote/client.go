// Package remote talks to the remote system the outbox is replayed against.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxBodySize = 4 << 20

// StatusError is returned for non-2xx answers that carry no sync error body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ApplyResult is the answer to an applied operation.
type ApplyResult struct {
	RemoteID string `json:"remote_id,omitempty"`
}

// PullResponse is one page of an entity collection.
type PullResponse struct {
	Items      []json.RawMessage `json:"items"`
	ServerTime int64             `json:"serverTime"`
}

type operationRequest struct {
	OperationID int64           `json:"operation_id"`
	EntityID    string          `json:"entity_id"`
	Subtype     string          `json:"subtype,omitempty"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	UserID      string          `json:"user_id"`
}

// Client is an HTTP client for the remote sync API.
type Client struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryPolicy
	logger     zerolog.Logger

	redis    *redis.Client
	cacheTTL time.Duration
}

// NewClient constructs a client from the remote config section.
func NewClient(cfg config.RemoteConfig, logger *zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiExtra:   cfg.APIExtra,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		retry: RetryPolicy{
			MaxRetries:    cfg.Retry.MaxRetries,
			InitialDelay:  cfg.Retry.InitialDelay,
			MaxDelay:      cfg.Retry.MaxDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
			Jitter:        cfg.Retry.Jitter,
		},
		logger:   logger.With().Str("component", "remote").Logger(),
		cacheTTL: cfg.CacheTTL,
	}
}

// UseRedisCache configures optional Redis caching for entity pulls.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// CheckDeltas asks what changed since the given unix-millisecond timestamp.
func (c *Client) CheckDeltas(ctx context.Context, since int64) (*models.DeltaResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/sync/deltas?since=%d", c.baseURL, since)
	var resp models.DeltaResponse
	if err := c.doJSON(ctx, "deltas", http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.DeltaCounters == nil {
		resp.DeltaCounters = map[string]int64{}
	}
	return &resp, nil
}

// ApplyOperation sends one queued operation. Conflicts and validation
// rejections come back as *models.SyncError.
func (c *Client) ApplyOperation(ctx context.Context, op *models.QueuedOperation) (*ApplyResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/sync/%s/operations", c.baseURL, url.PathEscape(op.EntityType))
	body := operationRequest{
		OperationID: op.ID,
		EntityID:    op.EntityID,
		Subtype:     op.Subtype,
		Kind:        op.Kind,
		Payload:     op.Payload,
		EnqueuedAt:  op.EnqueuedAt.UnixMilli(),
		UserID:      op.OwnerUserID,
	}
	var resp ApplyResult
	if err := c.doJSON(ctx, "apply", http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PullEntities fetches the entity collection changed since the timestamp.
// Answers are cached per delta counter so that an unchanged counter does not
// hit the network twice.
func (c *Client) PullEntities(ctx context.Context, entityType string, since, deltaCounter int64) (*PullResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/sync/%s?since=%d", c.baseURL, url.PathEscape(entityType), since)
	cacheKey := ""
	if deltaCounter > 0 {
		cacheKey = "pull:" + entityType + ":" + strconv.FormatInt(deltaCounter, 10) + ":" + strconv.FormatInt(since, 10)
	}

	var resp PullResponse
	if cacheKey != "" && c.readCache(ctx, cacheKey, &resp) {
		return &resp, nil
	}
	if err := c.doJSON(ctx, "pull", http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if cacheKey != "" {
		c.writeCache(ctx, cacheKey, resp)
	}
	return &resp, nil
}

// Ping checks that the remote system answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, "health", http.MethodGet, c.baseURL+"/healthz", nil, nil)
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.cacheTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// doJSON sends the request, retrying network errors and temporary statuses.
func (c *Client) doJSON(ctx context.Context, label, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = data
	}

	for attempt := 0; ; attempt++ {
		err := c.do(ctx, label, method, endpoint, payload, out)
		if err == nil || !retryable(err) || attempt >= c.retry.MaxRetries || ctx.Err() != nil {
			return err
		}
		c.logger.Debug().Err(err).Str("endpoint", label).Int("attempt", attempt+1).Msg("retrying remote call")
		if werr := c.retry.wait(ctx, attempt+1); werr != nil {
			return err
		}
	}
}

func retryable(err error) bool {
	var syncErr *models.SyncError
	if errors.As(err, &syncErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}

func (c *Client) do(ctx context.Context, label, method, endpoint string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncRemote(label, "error")
		return err
	}
	defer resp.Body.Close()
	metrics.IncRemote(label, strconv.Itoa(resp.StatusCode/100)+"xx")

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return decodeSyncError(resp.StatusCode, data)
	case resp.StatusCode >= 300:
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeSyncError(status int, data []byte) error {
	var syncErr models.SyncError
	if err := json.Unmarshal(data, &syncErr); err != nil || (syncErr.Code == "" && syncErr.Message == "") {
		syncErr = models.SyncError{Message: strings.TrimSpace(string(data))}
	}
	if syncErr.Code == "" {
		if status == http.StatusConflict {
			syncErr.Code = models.FailureConflict
		} else {
			syncErr.Code = models.FailureValidation
		}
	}
	return &syncErr
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
}
