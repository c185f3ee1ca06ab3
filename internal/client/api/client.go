package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/iudanet/posync/internal/models"
	"github.com/iudanet/posync/pkg/api"
)

// DefaultTimeout таймаут HTTP клиента по умолчанию
const DefaultTimeout = 30 * time.Second

// Client представляет HTTP клиент удаленного сервиса данных
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	token string
}

var _ RemoteService = (*Client)(nil)

// Option настраивает Client
type Option func(*Client)

// WithTimeout задает таймаут HTTP клиента
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithToken задает bearer токен сессии
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient создает новый API клиент
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken заменяет токен сессии
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Select returns records of the table matching the query
func (c *Client) Select(ctx context.Context, table models.Table, q api.Query) ([]models.Record, error) {
	var raw []json.RawMessage
	path := api.RestPrefix + string(table)
	if err := c.doRequest(ctx, http.MethodGet, path, q.Values(), nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("select %s failed: %w", table, err)
	}
	return decodeRecords(table, raw)
}

// Insert stores a new record under a server-assigned id
func (c *Client) Insert(ctx context.Context, rec models.Record, idempotencyKey string) (models.Record, error) {
	headers := http.Header{}
	headers.Set(api.HeaderPrefer, api.PreferReturn)
	if idempotencyKey != "" {
		headers.Set(api.HeaderIdempotencyKey, idempotencyKey)
	}

	var raw []json.RawMessage
	path := api.RestPrefix + string(rec.Table())
	if err := c.doRequest(ctx, http.MethodPost, path, nil, headers, rec, &raw); err != nil {
		return nil, fmt.Errorf("insert %s failed: %w", rec.Table(), err)
	}

	recs, err := decodeRecords(rec.Table(), raw)
	if err != nil {
		return nil, err
	}
	if len(recs) != 1 {
		return nil, fmt.Errorf("insert %s: expected 1 record, got %d", rec.Table(), len(recs))
	}
	return recs[0], nil
}

// Upsert writes records resolving conflicts on opts.OnConflict
func (c *Client) Upsert(ctx context.Context, table models.Table, recs []models.Record, opts api.UpsertOptions) ([]models.Record, error) {
	if opts.OnConflict == "" {
		opts.OnConflict = "id"
	}

	headers := http.Header{}
	headers.Set(api.HeaderPrefer, opts.Prefer())
	params := url.Values{}
	params.Set("on_conflict", opts.OnConflict)

	var raw []json.RawMessage
	path := api.RestPrefix + string(table)
	if err := c.doRequest(ctx, http.MethodPost, path, params, headers, recs, &raw); err != nil {
		return nil, fmt.Errorf("upsert %s failed: %w", table, err)
	}
	return decodeRecords(table, raw)
}

// Update patches the record with the given id
func (c *Client) Update(ctx context.Context, table models.Table, id string, patch map[string]any) (models.Record, error) {
	headers := http.Header{}
	headers.Set(api.HeaderPrefer, api.PreferReturn)

	var raw []json.RawMessage
	path := api.RestPrefix + string(table)
	if err := c.doRequest(ctx, http.MethodPatch, path, api.Query{}.Eq("id", id).Values(), headers, patch, &raw); err != nil {
		return nil, fmt.Errorf("update %s/%s failed: %w", table, id, err)
	}

	recs, err := decodeRecords(table, raw)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, ErrNotFound)
	}
	return recs[0], nil
}

// Delete removes the record
func (c *Client) Delete(ctx context.Context, table models.Table, id string) error {
	path := api.RestPrefix + string(table)
	if err := c.doRequest(ctx, http.MethodDelete, path, api.Query{}.Eq("id", id).Values(), nil, nil, nil); err != nil {
		return fmt.Errorf("delete %s/%s failed: %w", table, id, err)
	}
	return nil
}

// Ping checks that the service is reachable
func (c *Client) Ping(ctx context.Context) error {
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil, nil, nil); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// RequestToken запрашивает токен разработчика у эталонного сервера
func (c *Client) RequestToken(ctx context.Context, req api.TokenRequest) (*api.TokenResponse, error) {
	var resp api.TokenResponse
	if err := c.doRequest(ctx, http.MethodPost, "/auth/v1/token", nil, nil, req, &resp); err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	return &resp, nil
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, headers http.Header, body, result any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Проверяем статус код
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var problem api.Problem
		if err := json.Unmarshal(respBody, &problem); err == nil && problem.Status != 0 {
			statusErr.Problem = &problem
		} else {
			statusErr.Body = strings.TrimSpace(string(respBody))
		}
		return statusErr
	}

	// Декодируем успешный ответ
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func decodeRecords(table models.Table, raw []json.RawMessage) ([]models.Record, error) {
	recs := make([]models.Record, 0, len(raw))
	for _, r := range raw {
		rec, err := models.DecodeRecord(table, r)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
