// Package transport HTTP-клиент протокола синхронизации.
package transport

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
	gosync "sync"
	"time"

	"golang.org/x/exp/slog"

	"sitesync/internal/domain/sync"
	"sitesync/internal/domain/syncerr"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "SiteSync-Client/1.0"
	maxErrorBody     = 4 << 10
)

type Client struct {
	client    *http.Client
	log       *slog.Logger
	baseURL   string
	timeout   time.Duration
	userAgent string

	mu    gosync.RWMutex
	token string
}

type Option func(*Client)

// WithHTTPClient подменяет http.Client (тесты, свой транспорт)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout таймаут одного запроса
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func New(baseURL string, log *slog.Logger, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, ErrEmptyBaseURL
	}

	c := &Client{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		log:       log.With(slog.String("component", "transport")),
		baseURL:   baseURL,
		timeout:   defaultTimeout,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// SetToken устанавливает токен аутентификации
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Pull запрашивает страницу изменений таблицы
func (c *Client) Pull(ctx context.Context, req sync.PullRequest) (*sync.PullResponse, error) {
	q := url.Values{}
	q.Set("table", req.Table)
	q.Set("lastSync", strconv.FormatInt(req.LastSync, 10))
	q.Set("deviceId", req.DeviceID)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var out sync.PullResponse
	if err := c.do(ctx, http.MethodGet, "/sync/pull?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Push отправляет пакет изменений одной таблицы
func (c *Client) Push(ctx context.Context, req *sync.PushRequest) (*sync.PushResponse, error) {
	var out sync.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", req, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(req.Data) {
		return nil, syncerr.New(syncerr.Transport,
			fmt.Sprintf("ответ push содержит %d результатов вместо %d", len(out.Results), len(req.Data)))
	}
	return &out, nil
}

// Status состояние устройства на сервере
func (c *Client) Status(ctx context.Context, deviceID string) (*sync.StatusResponse, error) {
	var out sync.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/sync/status?deviceId="+url.QueryEscape(deviceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Devices(ctx context.Context) ([]*sync.Device, error) {
	var out struct {
		Devices []*sync.Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/sync/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *Client) RevokeDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/sync/devices/"+url.PathEscape(deviceID), nil, nil)
}

// HealthCheck проверяет доступность сервера
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ошибка маршалинга тела запроса: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// отмена снаружи не повторяется; собственный таймаут считается ошибкой сети
		if errors.Is(err, context.Canceled) {
			return err
		}
		return syncerr.Wrap(syncerr.Transport, "ошибка выполнения запроса", err)
	}
	defer resp.Body.Close()

	c.log.Debug("Получен ответ",
		slog.String("method", method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return classify(resp.StatusCode, readError(resp.Body))
	}

	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return syncerr.Wrap(syncerr.Transport, "ошибка парсинга ответа", err)
	}
	return nil
}

// readError достает текст ошибки из тела huma (detail) или middleware (error)
func readError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}

	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Detail != "" {
		return body.Detail
	}
	return body.Error
}
