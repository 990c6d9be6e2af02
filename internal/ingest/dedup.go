package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Значения по умолчанию для кэша обработанных сообщений.
const (
	DefaultDedupTTL        = 600 * time.Second
	DefaultDedupMaxEntries = 1000
)

// Deduper атомарно проверяет и отмечает идентификатор сообщения.
// FirstSeen возвращает false, если сообщение уже встречалось в пределах окна.
type Deduper interface {
	FirstSeen(ctx context.Context, messageID string) bool
}

type cacheEntry struct {
	id string
	at time.Time
}

// MemoryCache локальный для процесса кэш обработанных сообщений.
// Не переживает перезапуск и не защищает от повторов при нескольких экземплярах сервиса.
// order хранит записи в порядке вставки, поэтому вытеснение останавливается на первой живой записи.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	order      []cacheEntry
	head       int
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache создаёт кэш. Записи старше ttl вытесняются, когда размер превышает maxEntries.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDedupMaxEntries
	}
	return &MemoryCache{
		entries:    make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// FirstSeen реализует Deduper.
func (c *MemoryCache) FirstSeen(_ context.Context, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seen, ok := c.entries[messageID]; ok && now.Sub(seen) < c.ttl {
		return false
	}

	c.entries[messageID] = now
	c.order = append(c.order, cacheEntry{id: messageID, at: now})
	if len(c.entries) > c.maxEntries || len(c.order)-c.head > 2*c.maxEntries {
		c.evictLocked(now)
	}
	return true
}

// Len возвращает число записей в кэше.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) evictLocked(now time.Time) {
	for c.head < len(c.order) {
		e := c.order[c.head]
		if now.Sub(e.at) < c.ttl {
			break
		}
		// Запись могла быть перезаписана более поздней доставкой с тем же id.
		if at, ok := c.entries[e.id]; ok && at.Equal(e.at) {
			delete(c.entries, e.id)
		}
		c.order[c.head] = cacheEntry{}
		c.head++
	}

	if c.head > 0 && c.head*2 >= len(c.order) {
		c.order = append(c.order[:0], c.order[c.head:]...)
		c.head = 0
	}
}

// MessageStore разделяемое хранилище отметок о сообщениях.
type MessageStore interface {
	MarkMessageProcessed(ctx context.Context, messageID string, now time.Time, ttl time.Duration) (bool, error)
	PurgeProcessedMessages(ctx context.Context, before time.Time) (int64, error)
}

// StoreDedup кэш обработанных сообщений в общей БД для нескольких экземпляров сервиса.
type StoreDedup struct {
	store  MessageStore
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewStoreDedup создаёт StoreDedup.
func NewStoreDedup(store MessageStore, ttl time.Duration, logger *zap.Logger) *StoreDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreDedup{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// FirstSeen реализует Deduper. При недоступности хранилища сообщение пропускается дальше:
// от повторного розыгрыша защищает реестр погашений.
func (d *StoreDedup) FirstSeen(ctx context.Context, messageID string) bool {
	first, err := d.store.MarkMessageProcessed(ctx, messageID, d.now().UTC(), d.ttl)
	if err != nil {
		d.logger.Warn("dedup store unavailable", zap.String("message_id", messageID), zap.Error(err))
		return true
	}
	return first
}

// StartPurge запускает фоновую очистку устаревших отметок.
func (d *StoreDedup) StartPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.ttl
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.purge(ctx)
			}
		}
	}()
}

func (d *StoreDedup) purge(ctx context.Context) {
	n, err := d.store.PurgeProcessedMessages(ctx, d.now().UTC().Add(-d.ttl))
	if err != nil {
		d.logger.Warn("purge processed messages failed", zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Debug("processed messages purged", zap.Int64("count", n))
	}
}
