package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

// Sender отправляет текст получателю через Send API.
type Sender interface {
	Send(ctx context.Context, recipientID, text, token string) error
}

// Dispatcher выбирает токен отправки и доставляет ответ. Повторы не выполняются.
type Dispatcher struct {
	sender       Sender
	defaultToken string
	logger       *zap.Logger
}

// NewDispatcher создаёт Dispatcher. defaultToken используется, если у арендатора нет своего токена.
func NewDispatcher(sender Sender, defaultToken string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sender: sender, defaultToken: defaultToken, logger: logger}
}

// Token возвращает токен отправки для арендатора. tenant может быть nil.
func (d *Dispatcher) Token(tenant *model.TenantConfig) string {
	if tenant != nil && tenant.AccessToken != "" {
		return tenant.AccessToken
	}
	return d.defaultToken
}

// Dispatch отправляет text получателю. Ошибки оборачивают model.ErrDispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, recipientID string, tenant *model.TenantConfig, text string) error {
	token := d.Token(tenant)
	if token == "" {
		return fmt.Errorf("%w: no access token for recipient %s", model.ErrDispatch, recipientID)
	}

	if err := d.sender.Send(ctx, recipientID, text, token); err != nil {
		return fmt.Errorf("%w: %w", model.ErrDispatch, err)
	}
	return nil
}
