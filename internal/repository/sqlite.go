package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

type tenantRow struct {
	ID          string `gorm:"primaryKey"`
	ShopName    string `gorm:"not null"`
	AccessToken string
	IsActive    bool   `gorm:"not null"`
	Config      string `gorm:"not null;default:'{}'"`
	TotalSpins  int64  `gorm:"not null;default:0"`
	TotalPrizes int64  `gorm:"not null;default:0"`
	TotalUsers  int64  `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (tenantRow) TableName() string { return "tenants" }

func (t tenantRow) record() model.TenantRecord {
	return model.TenantRecord{
		ID:          t.ID,
		ShopName:    t.ShopName,
		AccessToken: t.AccessToken,
		IsActive:    t.IsActive,
		Config:      []byte(t.Config),
		Stats: model.TenantStats{
			TotalSpins:  t.TotalSpins,
			TotalPrizes: t.TotalPrizes,
			TotalUsers:  t.TotalUsers,
		},
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

type redemptionRow struct {
	TenantID  string    `gorm:"primaryKey"`
	InvoiceID string    `gorm:"primaryKey"`
	SenderID  string    `gorm:"not null;index:idx_redemptions_sender"`
	PrizeName string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index:idx_redemptions_created"`
}

func (redemptionRow) TableName() string { return "redemptions" }

type senderRow struct {
	TenantID  string    `gorm:"primaryKey"`
	SenderID  string    `gorm:"primaryKey"`
	FirstSeen time.Time `gorm:"not null"`
}

func (senderRow) TableName() string { return "tenant_senders" }

type processedMessageRow struct {
	MessageID  string    `gorm:"primaryKey"`
	ReceivedAt time.Time `gorm:"not null;index"`
}

func (processedMessageRow) TableName() string { return "processed_messages" }

// SQLiteRepository реализует то же хранилище поверх встроенной SQLite (GORM, чистый Go драйвер).
// Используется для локального запуска без PostgreSQL и в тестах.
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository открывает (или создаёт) базу SQLite и применяет схему.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		// Единственный писатель исключает SQLITE_BUSY при конкурентных транзакциях.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.AutoMigrate(&tenantRow{}, &redemptionRow{}, &senderRow{}, &processedMessageRow{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close закрывает соединение с БД.
func (r *SQLiteRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping проверяет доступность БД.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// GetTenant возвращает арендатора по идентификатору страницы.
func (r *SQLiteRepository) GetTenant(ctx context.Context, id string) (*model.TenantRecord, error) {
	var row tenantRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	rec := row.record()
	return &rec, nil
}

// ListTenants возвращает всех арендаторов.
func (r *SQLiteRepository) ListTenants(ctx context.Context) ([]model.TenantRecord, error) {
	var rows []tenantRow
	if err := r.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select tenants: %w", err)
	}
	res := make([]model.TenantRecord, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.record())
	}
	return res, nil
}

// UpsertTenant создаёт арендатора или обновляет его настройки. Счётчики не изменяются.
func (r *SQLiteRepository) UpsertTenant(ctx context.Context, t model.TenantRecord) error {
	cfg := string(t.Config)
	if cfg == "" {
		cfg = "{}"
	}
	row := tenantRow{
		ID:          t.ID,
		ShopName:    t.ShopName,
		AccessToken: t.AccessToken,
		IsActive:    t.IsActive,
		Config:      cfg,
	}

	columns := []string{"shop_name", "is_active", "config", "updated_at"}
	if t.AccessToken != "" {
		columns = append(columns, "access_token")
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// UpdateTenantToken заменяет токен отправки сообщений арендатора.
func (r *SQLiteRepository) UpdateTenantToken(ctx context.Context, id, token string) error {
	return r.updateTenant(ctx, id, map[string]any{"access_token": token})
}

// UpdateTenantSettings заменяет название магазина и JSON-конфигурацию арендатора.
func (r *SQLiteRepository) UpdateTenantSettings(ctx context.Context, id, shopName string, config []byte) error {
	return r.updateTenant(ctx, id, map[string]any{"shop_name": shopName, "config": string(config)})
}

// SetTenantActive включает или отключает арендатора.
func (r *SQLiteRepository) SetTenantActive(ctx context.Context, id string, active bool) error {
	return r.updateTenant(ctx, id, map[string]any{"is_active": active})
}

func (r *SQLiteRepository) updateTenant(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&tenantRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update tenant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrTenantNotFound
	}
	return nil
}

// InvoiceExists проверяет, погашен ли чек у арендатора.
func (r *SQLiteRepository) InvoiceExists(ctx context.Context, tenantID, invoiceID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&redemptionRow{}).
		Where("tenant_id = ? AND invoice_id = ?", tenantID, invoiceID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check invoice: %w", err)
	}
	return count > 0, nil
}

// ClaimInvoice атомарно фиксирует погашение и обновляет счётчики арендатора.
func (r *SQLiteRepository) ClaimInvoice(ctx context.Context, rd model.Redemption) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&redemptionRow{
			TenantID:  rd.TenantID,
			InvoiceID: rd.InvoiceID,
			SenderID:  rd.SenderID,
			PrizeName: rd.PrizeName,
			CreatedAt: rd.CreatedAt,
		})
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return model.ErrDuplicateRedemption
			}
			return fmt.Errorf("insert redemption: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return model.ErrDuplicateRedemption
		}

		sender := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&senderRow{
			TenantID:  rd.TenantID,
			SenderID:  rd.SenderID,
			FirstSeen: rd.CreatedAt,
		})
		if sender.Error != nil {
			return fmt.Errorf("register sender: %w", sender.Error)
		}
		newUser := sender.RowsAffected
		err := tx.Model(&tenantRow{}).Where("id = ?", rd.TenantID).Updates(map[string]any{
			"total_spins":  gorm.Expr("total_spins + 1"),
			"total_prizes": gorm.Expr("total_prizes + 1"),
			"total_users":  gorm.Expr("total_users + ?", newUser),
			"updated_at":   time.Now().UTC(),
		}).Error
		if err != nil {
			return fmt.Errorf("update stats: %w", err)
		}
		return nil
	})
}

// ListRedemptions возвращает последние погашения арендатора.
func (r *SQLiteRepository) ListRedemptions(ctx context.Context, tenantID string, limit int) ([]model.Redemption, error) {
	var rows []redemptionRow
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	res := make([]model.Redemption, 0, len(rows))
	for _, row := range rows {
		res = append(res, model.Redemption{
			TenantID:  row.TenantID,
			InvoiceID: row.InvoiceID,
			SenderID:  row.SenderID,
			PrizeName: row.PrizeName,
			CreatedAt: row.CreatedAt,
		})
	}
	return res, nil
}

// GetStats возвращает суммарные счётчики арендатора или всех арендаторов, если tenantID пуст.
func (r *SQLiteRepository) GetStats(ctx context.Context, tenantID string) (model.AggregateStats, error) {
	var s model.AggregateStats
	q := r.db.WithContext(ctx).Model(&tenantRow{})
	if tenantID != "" {
		q = q.Where("id = ?", tenantID)
	}
	err := q.Select(`COUNT(*) AS total_pages,
		COALESCE(SUM(total_spins), 0) AS total_spins,
		COALESCE(SUM(total_prizes), 0) AS total_prizes,
		COALESCE(SUM(total_users), 0) AS total_users`).
		Scan(&s).Error
	if err != nil {
		return s, fmt.Errorf("sum stats: %w", err)
	}
	return s, nil
}

// MarkMessageProcessed регистрирует входящее сообщение. Возвращает true,
// если сообщение встречено впервые или предыдущая отметка старше ttl.
func (r *SQLiteRepository) MarkMessageProcessed(ctx context.Context, messageID string, now time.Time, ttl time.Duration) (bool, error) {
	first := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row processedMessageRow
		err := tx.Where("message_id = ?", messageID).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case !row.ReceivedAt.Before(now.Add(-ttl)):
			return nil
		}

		first = true
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"received_at"}),
		}).Create(&processedMessageRow{MessageID: messageID, ReceivedAt: now}).Error
	})
	if err != nil {
		return false, fmt.Errorf("mark message: %w", err)
	}
	return first, nil
}

// PurgeProcessedMessages удаляет отметки сообщений, полученных раньше before.
func (r *SQLiteRepository) PurgeProcessedMessages(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("received_at < ?", before).Delete(&processedMessageRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}
