// Package messenger реализует клиента Send API платформы сообщений.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL адрес Graph API по умолчанию.
const DefaultBaseURL = "https://graph.facebook.com/v18.0"

// ErrNoCredential возвращается, если для отправки не передан токен.
var ErrNoCredential = errors.New("messenger: access token is empty")

// APIError описывает ошибку, возвращённую Send API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("messenger: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("messenger: status %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
}

// Config задаёт параметры клиента.
type Config struct {
	BaseURL string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client отправляет текстовые ответы пользователям. Отправки ограничиваются по частоте.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient создаёт клиента Send API.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = cfg.Timeout

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		logger:     logger,
	}
}

type sendRequest struct {
	Recipient     recipient `json:"recipient"`
	Message       message   `json:"message"`
	MessagingType string    `json:"messaging_type"`
}

type recipient struct {
	ID string `json:"id"`
}

type message struct {
	Text string `json:"text"`
}

// Send отправляет текст получателю от имени страницы, которой принадлежит token.
// Повторы не выполняются, чтобы не дублировать сообщения пользователю.
func (c *Client) Send(ctx context.Context, recipientID, text, token string) error {
	if token == "" {
		return ErrNoCredential
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(sendRequest{
		Recipient:     recipient{ID: recipientID},
		Message:       message{Text: text},
		MessagingType: "RESPONSE",
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/me/messages?" + url.Values{"access_token": {token}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error содержит адрес с токеном
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("do request: %w", uerr.Err)
		}
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&envelope); err == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Type = envelope.Error.Type
		apiErr.Message = envelope.Error.Message
	}

	c.logger.Warn("send api rejected message",
		zap.String("recipient_id", recipientID),
		zap.Int("status", resp.StatusCode),
		zap.Int("code", apiErr.Code),
	)

	return apiErr
}
