// Package service реализует административные операции над арендаторами.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mmeshcher/receiptdraw/internal/model"
	"github.com/mmeshcher/receiptdraw/internal/tenant"
)

// MinTokenLength минимальная длина токена страницы.
const MinTokenLength = 50

// Ограничения выборки погашений.
const (
	DefaultRedemptionsLimit = 100
	MaxRedemptionsLimit     = 1000
)

// ErrInvalidInput возвращается при некорректных входных данных.
var ErrInvalidInput = errors.New("invalid input")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetTenant(ctx context.Context, id string) (*model.TenantRecord, error)
	ListTenants(ctx context.Context) ([]model.TenantRecord, error)
	UpsertTenant(ctx context.Context, t model.TenantRecord) error
	UpdateTenantToken(ctx context.Context, id, token string) error
	UpdateTenantSettings(ctx context.Context, id, shopName string, config []byte) error
	SetTenantActive(ctx context.Context, id string, active bool) error
	ListRedemptions(ctx context.Context, tenantID string, limit int) ([]model.Redemption, error)
	GetStats(ctx context.Context, tenantID string) (model.AggregateStats, error)
}

// TenantView представление арендатора для административного API. Токен маскируется.
type TenantView struct {
	ID             string               `json:"id"`
	ShopName       string               `json:"shop_name"`
	Active         bool                 `json:"is_active"`
	AccessToken    string               `json:"access_token,omitempty"`
	HasAccessToken bool                 `json:"has_access_token"`
	Settings       model.TenantSettings `json:"config"`
	Stats          model.TenantStats    `json:"stats"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// ConfigUpdate частичное обновление конфигурации. nil-поля не изменяются.
type ConfigUpdate struct {
	ShopName     *string                 `json:"shop_name,omitempty"`
	ShopPatterns []string                `json:"shop_patterns,omitempty"`
	Prizes       []model.Prize           `json:"prizes,omitempty"`
	Messages     *model.MessageTemplates `json:"messages,omitempty"`
}

// Service содержит административную логику.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// UpdateToken заменяет токен отправки сообщений арендатора.
func (s *Service) UpdateToken(ctx context.Context, tenantID, token string) error {
	tenantID = strings.TrimSpace(tenantID)
	token = strings.TrimSpace(token)
	if tenantID == "" || token == "" {
		return fmt.Errorf("%w: tenant_id and new_credential are required", ErrInvalidInput)
	}
	if len(token) < MinTokenLength {
		return fmt.Errorf("%w: credential is too short", ErrInvalidInput)
	}
	return s.repo.UpdateTenantToken(ctx, tenantID, token)
}

// ListTenants возвращает всех арендаторов.
func (s *Service) ListTenants(ctx context.Context) ([]TenantView, error) {
	recs, err := s.repo.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]TenantView, 0, len(recs))
	for i := range recs {
		views = append(views, toView(&recs[i]))
	}
	return views, nil
}

// GetTenant возвращает арендатора по идентификатору.
func (s *Service) GetTenant(ctx context.Context, id string) (*TenantView, error) {
	rec, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	v := toView(rec)
	return &v, nil
}

// UpdateConfig применяет частичное обновление конфигурации арендатора.
func (s *Service) UpdateConfig(ctx context.Context, id string, upd ConfigUpdate) (*TenantView, error) {
	rec, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	settings, err := tenant.DecodeSettings(rec.Config)
	if err != nil {
		// Повреждённую конфигурацию можно только перезаписать целиком.
		settings = model.TenantSettings{}
	}

	shopName := rec.ShopName
	if upd.ShopName != nil {
		shopName = strings.TrimSpace(*upd.ShopName)
		if shopName == "" {
			return nil, fmt.Errorf("%w: shop_name must not be empty", ErrInvalidInput)
		}
	}
	if upd.ShopPatterns != nil {
		settings.ShopPatterns = cleanPatterns(upd.ShopPatterns)
	}
	if upd.Prizes != nil {
		if err := validatePrizes(upd.Prizes); err != nil {
			return nil, err
		}
		settings.Prizes = upd.Prizes
	}
	if upd.Messages != nil {
		settings.Messages = *upd.Messages
	}

	raw, err := tenant.EncodeSettings(settings)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTenantSettings(ctx, id, shopName, raw); err != nil {
		return nil, err
	}

	return s.GetTenant(ctx, id)
}

// SetActive включает или отключает арендатора.
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	return s.repo.SetTenantActive(ctx, id, active)
}

// Stats возвращает суммарные счётчики. Пустой tenantID означает все арендаторы.
func (s *Service) Stats(ctx context.Context, tenantID string) (model.AggregateStats, error) {
	stats, err := s.repo.GetStats(ctx, tenantID)
	if err != nil {
		return stats, err
	}
	if tenantID != "" && stats.TotalPages == 0 {
		return stats, model.ErrTenantNotFound
	}
	return stats, nil
}

// Redemptions возвращает последние погашения арендатора.
func (s *Service) Redemptions(ctx context.Context, tenantID string, limit int) ([]model.Redemption, error) {
	if _, err := s.repo.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultRedemptionsLimit
	case limit > MaxRedemptionsLimit:
		limit = MaxRedemptionsLimit
	}
	return s.repo.ListRedemptions(ctx, tenantID, limit)
}

// Seed создаёт или обновляет арендаторов из файла начальных данных.
func (s *Service) Seed(ctx context.Context, recs []model.TenantRecord) error {
	for _, rec := range recs {
		if err := s.repo.UpsertTenant(ctx, rec); err != nil {
			return fmt.Errorf("seed tenant %s: %w", rec.ID, err)
		}
	}
	return nil
}

func toView(rec *model.TenantRecord) TenantView {
	settings, _ := tenant.DecodeSettings(rec.Config)
	return TenantView{
		ID:             rec.ID,
		ShopName:       rec.ShopName,
		Active:         rec.IsActive,
		AccessToken:    MaskToken(rec.AccessToken),
		HasAccessToken: rec.AccessToken != "",
		Settings:       settings,
		Stats:          rec.Stats,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// MaskToken скрывает середину токена.
func MaskToken(token string) string {
	switch {
	case token == "":
		return ""
	case len(token) <= 12:
		return "***"
	default:
		return token[:6] + "..." + token[len(token)-4:]
	}
}

func cleanPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validatePrizes(prizes []model.Prize) error {
	for i, p := range prizes {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: prize %d has empty name", ErrInvalidInput, i)
		}
		if math.IsNaN(p.Rate) || p.Rate < 0 || p.Rate > 1 {
			return fmt.Errorf("%w: prize %q rate must be within [0, 1]", ErrInvalidInput, p.Name)
		}
	}
	return nil
}
