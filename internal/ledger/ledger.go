// Package ledger реализует реестр погашённых чеков, защищающий от повторного розыгрыша.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

// Store описывает хранилище реестра погашений.
type Store interface {
	InvoiceExists(ctx context.Context, tenantID, invoiceID string) (bool, error)
	// ClaimInvoice атомарно вставляет запись и возвращает model.ErrDuplicateRedemption,
	// если пара (арендатор, чек) уже занята.
	ClaimInvoice(ctx context.Context, r model.Redemption) error
}

// Ledger нормализует номера чеков и выполняет проверку и захват погашения.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New создаёт реестр поверх указанного хранилища.
func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// NormalizeInvoiceID приводит номер чека к каноническому виду: без пробелов по краям, в верхнем регистре.
func NormalizeInvoiceID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// FallbackInvoiceID детерминированно строит номер чека из отправителя и времени,
// если валидатор не смог его извлечь. Уникальность гарантируется только с точностью до секунды.
func FallbackInvoiceID(senderID string, at time.Time) string {
	stamp := at.UTC().Format("020106-150405")
	sum := sha256.Sum256([]byte(senderID + stamp))
	return "AUTO-" + stamp + "-" + strings.ToUpper(hex.EncodeToString(sum[:])[:6])
}

// IsUsed сообщает, погашен ли чек. При ошибке чтения чек считается погашенным.
func (l *Ledger) IsUsed(ctx context.Context, tenantID, invoiceID string) bool {
	id := NormalizeInvoiceID(invoiceID)
	used, err := l.store.InvoiceExists(ctx, tenantID, id)
	if err != nil {
		l.logger.Warn("ledger read failed, blocking redemption",
			zap.String("tenant_id", tenantID),
			zap.String("invoice_id", id),
			zap.Error(err),
		)
		return true
	}
	return used
}

// Claim атомарно фиксирует погашение чека. Возвращает model.ErrDuplicateRedemption,
// если чек уже погашен, и model.ErrLedgerUnavailable при сбое хранилища.
func (l *Ledger) Claim(ctx context.Context, tenantID, invoiceID, senderID, prizeName string) error {
	r := model.Redemption{
		TenantID:  tenantID,
		InvoiceID: NormalizeInvoiceID(invoiceID),
		SenderID:  senderID,
		PrizeName: prizeName,
		CreatedAt: l.now().UTC(),
	}
	if r.InvoiceID == "" {
		return fmt.Errorf("%w: empty invoice id", model.ErrLedgerUnavailable)
	}

	err := l.store.ClaimInvoice(ctx, r)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrDuplicateRedemption):
		return model.ErrDuplicateRedemption
	default:
		return fmt.Errorf("%w: %v", model.ErrLedgerUnavailable, err)
	}
}
