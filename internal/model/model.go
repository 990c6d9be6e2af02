// Package model содержит доменные сущности сервиса розыгрыша призов по чекам.
package model

import "time"

// Prize описывает одну позицию таблицы призов арендатора.
// Rate задаёт вероятность выпадения в диапазоне [0, 1].
type Prize struct {
	Name        string  `json:"name" yaml:"name"`
	Rate        float64 `json:"rate" yaml:"rate"`
	Emoji       string  `json:"emoji,omitempty" yaml:"emoji"`
	Instruction string  `json:"instruction,omitempty" yaml:"instruction"`
}

// MessageTemplates содержит пользовательские шаблоны ответов арендатора.
// Каждый шаблон может содержать плейсхолдер {shop_name}.
type MessageTemplates struct {
	Invalid   string `json:"invalid,omitempty" yaml:"invalid"`
	Duplicate string `json:"duplicate,omitempty" yaml:"duplicate"`
	ThankYou  string `json:"thank_you,omitempty" yaml:"thank_you"`
}

// TenantSettings хранится в хранилище как JSON-документ в поле config.
type TenantSettings struct {
	ShopPatterns []string         `json:"shop_patterns"`
	Prizes       []Prize          `json:"prizes"`
	Messages     MessageTemplates `json:"messages"`
}

// TenantStats содержит агрегированные счётчики арендатора.
type TenantStats struct {
	TotalSpins  int64 `json:"total_spins"`
	TotalPrizes int64 `json:"total_prizes"`
	TotalUsers  int64 `json:"total_users"`
}

// TenantRecord представляет запись арендатора в хранилище в «сыром» виде.
// Config может содержать ключи с лишними пробелами, их нормализует tenant.Resolver.
type TenantRecord struct {
	ID          string
	ShopName    string
	AccessToken string
	IsActive    bool
	Config      []byte
	Stats       TenantStats
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TenantConfig содержит нормализованную конфигурацию арендатора (страницы магазина).
type TenantConfig struct {
	TenantID     string
	ShopName     string
	Active       bool
	ShopPatterns []string
	AccessToken  string
	Prizes       []Prize
	Messages     MessageTemplates
}

// Redemption описывает запись реестра погашений.
// Уникальность обеспечивается парой (TenantID, InvoiceID), InvoiceID хранится в нормализованном виде.
type Redemption struct {
	TenantID  string    `json:"tenant_id"`
	InvoiceID string    `json:"invoice_id"`
	SenderID  string    `json:"sender_id"`
	PrizeName string    `json:"prize_name"`
	CreatedAt time.Time `json:"created_at"`
}

// InvoiceData содержит данные, извлечённые валидатором из текста чека.
type InvoiceData struct {
	InvoiceID *string `json:"invoice_id"`
	ShopName  *string `json:"shop_name"`
}

// ValidationResult описывает ответ внешнего валидатора.
type ValidationResult struct {
	Valid  bool        `json:"valid"`
	Reason string      `json:"reason"`
	Data   InvoiceData `json:"data"`
}

// AggregateStats содержит суммарные счётчики по одному или всем арендаторам.
type AggregateStats struct {
	TotalPages  int64 `json:"total_pages"`
	TotalSpins  int64 `json:"total_spins"`
	TotalPrizes int64 `json:"total_prizes"`
	TotalUsers  int64 `json:"total_users"`
}
