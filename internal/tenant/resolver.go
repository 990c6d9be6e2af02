// Package tenant загружает и нормализует конфигурацию арендаторов.
package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

// Store описывает источник записей арендаторов.
type Store interface {
	GetTenant(ctx context.Context, id string) (*model.TenantRecord, error)
}

// Resolver загружает конфигурацию арендатора по идентификатору страницы.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver создаёт Resolver.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve возвращает конфигурацию активного арендатора. Отсутствующий, неактивный
// или повреждённый арендатор даёт ошибку, оборачивающую model.ErrConfiguration.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*model.TenantConfig, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: empty tenant id", model.ErrConfiguration)
	}

	rec, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, model.ErrTenantNotFound) {
			return nil, fmt.Errorf("%w: tenant %s not found", model.ErrConfiguration, tenantID)
		}
		return nil, fmt.Errorf("%w: load tenant %s: %v", model.ErrConfiguration, tenantID, err)
	}

	if !rec.IsActive {
		return nil, fmt.Errorf("%w: tenant %s is inactive", model.ErrConfiguration, tenantID)
	}

	settings, err := DecodeSettings(rec.Config)
	if err != nil {
		r.logger.Warn("tenant config is unreadable", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil, fmt.Errorf("%w: tenant %s: %v", model.ErrConfiguration, tenantID, err)
	}

	patterns := settings.ShopPatterns
	if len(patterns) == 0 && rec.ShopName != "" {
		patterns = []string{rec.ShopName}
	}

	return &model.TenantConfig{
		TenantID:     rec.ID,
		ShopName:     rec.ShopName,
		Active:       rec.IsActive,
		ShopPatterns: patterns,
		AccessToken:  rec.AccessToken,
		Prizes:       settings.Prizes,
		Messages:     settings.Messages,
	}, nil
}

// DecodeSettings разбирает JSON-документ конфигурации арендатора, предварительно
// очищая ключи от пробелов.
func DecodeSettings(raw []byte) (model.TenantSettings, error) {
	var settings model.TenantSettings

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return settings, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return settings, fmt.Errorf("decode config: %w", err)
	}

	clean, err := json.Marshal(NormalizeKeys(doc))
	if err != nil {
		return settings, fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(clean, &settings); err != nil {
		return settings, fmt.Errorf("decode config: %w", err)
	}

	return settings, nil
}

// EncodeSettings сериализует конфигурацию арендатора для хранения.
func EncodeSettings(s model.TenantSettings) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return b, nil
}

// NormalizeKeys убирает пробелы по краям ключей документа и ключей вложенных
// записей на один уровень вглубь: элементов списков и вложенных объектов.
// Значения не изменяются.
func NormalizeKeys(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case []any:
			items := make([]any, 0, len(val))
			for _, item := range val {
				if rec, ok := item.(map[string]any); ok {
					items = append(items, stripKeys(rec))
					continue
				}
				items = append(items, item)
			}
			out[strings.TrimSpace(k)] = items
		case map[string]any:
			out[strings.TrimSpace(k)] = stripKeys(val)
		default:
			out[strings.TrimSpace(k)] = v
		}
	}
	return out
}

func stripKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.TrimSpace(k)] = v
	}
	return out
}
