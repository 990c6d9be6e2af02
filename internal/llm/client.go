// Package llm предоставляет клиент OpenAI-совместимого API для распознавания текста чека
// и проверки чека по правилам арендатора.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

// ErrNotConfigured возвращается, если адрес API не задан.
var ErrNotConfigured = errors.New("llm client not configured")

// Config задаёт параметры подключения к API.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	VisionModel string
	Timeout     time.Duration
	MaxRetries  int
}

// Client инкапсулирует HTTP-взаимодействие с OpenAI-совместимым API.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	visionModel string
	httpClient  *retryablehttp.Client
	logger      *zap.Logger
}

// NewClient создаёт клиента с повторами на сетевых ошибках, 429 и 5xx.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{logger.Named("llm-http").Sugar()}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		httpClient:  rc,
		logger:      logger,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract распознаёт текст на изображении чека по его URL.
func (c *Client) Extract(ctx context.Context, imageURL string) (string, error) {
	msg := chatMessage{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: ocrPrompt},
			{Type: "image_url", ImageURL: &imageRef{URL: imageURL}},
		},
	}

	text, err := c.complete(ctx, c.visionModel, 0, []chatMessage{msg})
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return text, nil
}

// Validate проверяет распознанный текст чека по правилам арендатора и возвращает
// сырой ответ модели. Разбор ответа выполняет пакет validation.
func (c *Client) Validate(ctx context.Context, text string, tenant *model.TenantConfig) (string, error) {
	if tenant == nil {
		return "", errors.New("validate: tenant config is nil")
	}

	msgs := []chatMessage{
		{Role: "system", Content: validationPrompt(tenant.ShopName, tenant.ShopPatterns)},
		{Role: "user", Content: "Kiểm tra hóa đơn sau:\n\n" + text},
	}

	raw, err := c.complete(ctx, c.model, 0.1, msgs)
	if err != nil {
		return "", fmt.Errorf("validate: %w", err)
	}
	return raw, nil
}

func (c *Client) complete(ctx context.Context, modelName string, temperature float64, msgs []chatMessage) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(chatRequest{
		Model:       modelName,
		Messages:    msgs,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("llm call finished",
		zap.String("model", modelName),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("empty choices")
	}

	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// leveledLogger направляет журнал повторов retryablehttp в zap.
type leveledLogger struct {
	l *zap.SugaredLogger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }
