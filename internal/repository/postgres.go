// Package repository содержит реализации хранилища арендаторов и реестра погашений.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, backoff: defaultBackoff}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
}

// withRetry повторяет fn при конфликтах сериализации, дедлоках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const tenantColumns = `id, shop_name, COALESCE(access_token, ''), is_active, config,
	total_spins, total_prizes, total_users, created_at, updated_at`

func scanTenant(row pgx.Row) (*model.TenantRecord, error) {
	var t model.TenantRecord
	err := row.Scan(
		&t.ID, &t.ShopName, &t.AccessToken, &t.IsActive, &t.Config,
		&t.Stats.TotalSpins, &t.Stats.TotalPrizes, &t.Stats.TotalUsers,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTenant возвращает арендатора по идентификатору страницы.
func (r *PostgresRepository) GetTenant(ctx context.Context, id string) (*model.TenantRecord, error) {
	t, err := scanTenant(r.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// ListTenants возвращает всех арендаторов.
func (r *PostgresRepository) ListTenants(ctx context.Context) ([]model.TenantRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select tenants: %w", err)
	}
	defer rows.Close()

	var res []model.TenantRecord
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertTenant создаёт арендатора или обновляет его настройки. Счётчики не изменяются.
func (r *PostgresRepository) UpsertTenant(ctx context.Context, t model.TenantRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tenants (id, shop_name, access_token, is_active, config)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5::jsonb)
		 ON CONFLICT (id) DO UPDATE SET
		     shop_name = EXCLUDED.shop_name,
		     access_token = COALESCE(EXCLUDED.access_token, tenants.access_token),
		     is_active = EXCLUDED.is_active,
		     config = EXCLUDED.config,
		     updated_at = now()`,
		t.ID, t.ShopName, t.AccessToken, t.IsActive, jsonParam(t.Config),
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// UpdateTenantToken заменяет токен отправки сообщений арендатора.
func (r *PostgresRepository) UpdateTenantToken(ctx context.Context, id, token string) error {
	return r.updateTenant(ctx,
		`UPDATE tenants SET access_token = $2, updated_at = now() WHERE id = $1`,
		id, token,
	)
}

// UpdateTenantSettings заменяет название магазина и JSON-конфигурацию арендатора.
func (r *PostgresRepository) UpdateTenantSettings(ctx context.Context, id, shopName string, config []byte) error {
	return r.updateTenant(ctx,
		`UPDATE tenants SET shop_name = $2, config = $3::jsonb, updated_at = now() WHERE id = $1`,
		id, shopName, jsonParam(config),
	)
}

// SetTenantActive включает или отключает арендатора.
func (r *PostgresRepository) SetTenantActive(ctx context.Context, id string, active bool) error {
	return r.updateTenant(ctx,
		`UPDATE tenants SET is_active = $2, updated_at = now() WHERE id = $1`,
		id, active,
	)
}

func (r *PostgresRepository) updateTenant(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrTenantNotFound
	}
	return nil
}

// InvoiceExists проверяет, погашен ли чек у арендатора.
func (r *PostgresRepository) InvoiceExists(ctx context.Context, tenantID, invoiceID string) (bool, error) {
	var exists bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM redemptions WHERE tenant_id = $1 AND invoice_id = $2)`,
			tenantID, invoiceID,
		).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check invoice: %w", err)
	}
	return exists, nil
}

// ClaimInvoice атомарно фиксирует погашение и обновляет счётчики арендатора в одной транзакции.
func (r *PostgresRepository) ClaimInvoice(ctx context.Context, rd model.Redemption) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.claimInvoice(ctx, rd)
	})
}

func (r *PostgresRepository) claimInvoice(ctx context.Context, rd model.Redemption) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO redemptions (tenant_id, invoice_id, sender_id, prize_name, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, invoice_id) DO NOTHING`,
		rd.TenantID, rd.InvoiceID, rd.SenderID, rd.PrizeName, rd.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return model.ErrDuplicateRedemption
		}
		return fmt.Errorf("insert redemption: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return model.ErrDuplicateRedemption
	}

	senderTag, err := tx.Exec(ctx,
		`INSERT INTO tenant_senders (tenant_id, sender_id, first_seen)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, sender_id) DO NOTHING`,
		rd.TenantID, rd.SenderID, rd.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("register sender: %w", err)
	}
	newUser := senderTag.RowsAffected()

	_, err = tx.Exec(ctx,
		`UPDATE tenants
		 SET total_spins = total_spins + 1,
		     total_prizes = total_prizes + 1,
		     total_users = total_users + $2,
		     updated_at = now()
		 WHERE id = $1`,
		rd.TenantID, newUser,
	)
	if err != nil {
		return fmt.Errorf("update stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ListRedemptions возвращает последние погашения арендатора.
func (r *PostgresRepository) ListRedemptions(ctx context.Context, tenantID string, limit int) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tenant_id, invoice_id, sender_id, prize_name, created_at
		 FROM redemptions
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		var rd model.Redemption
		if err := rows.Scan(&rd.TenantID, &rd.InvoiceID, &rd.SenderID, &rd.PrizeName, &rd.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, rd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetStats возвращает суммарные счётчики арендатора или всех арендаторов, если tenantID пуст.
func (r *PostgresRepository) GetStats(ctx context.Context, tenantID string) (model.AggregateStats, error) {
	var s model.AggregateStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_spins), 0), COALESCE(SUM(total_prizes), 0), COALESCE(SUM(total_users), 0)
		 FROM tenants
		 WHERE $1 = '' OR id = $1`,
		tenantID,
	).Scan(&s.TotalPages, &s.TotalSpins, &s.TotalPrizes, &s.TotalUsers)
	if err != nil {
		return s, fmt.Errorf("sum stats: %w", err)
	}
	return s, nil
}

// MarkMessageProcessed атомарно регистрирует входящее сообщение. Возвращает true,
// если сообщение встречено впервые или предыдущая отметка старше ttl.
func (r *PostgresRepository) MarkMessageProcessed(ctx context.Context, messageID string, now time.Time, ttl time.Duration) (bool, error) {
	var id string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO processed_messages (message_id, received_at)
		 VALUES ($1, $2)
		 ON CONFLICT (message_id) DO UPDATE SET received_at = EXCLUDED.received_at
		 WHERE processed_messages.received_at < $3
		 RETURNING message_id`,
		messageID, now, now.Add(-ttl),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("mark message: %w", err)
	}
	return true, nil
}

// PurgeProcessedMessages удаляет отметки сообщений, полученных раньше before.
func (r *PostgresRepository) PurgeProcessedMessages(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM processed_messages WHERE received_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func jsonParam(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
