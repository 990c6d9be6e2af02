package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	records  map[string]model.Redemption
	readErr  error
	claimErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]model.Redemption)}
}

func (s *memStore) InvoiceExists(ctx context.Context, tenantID, invoiceID string) (bool, error) {
	if s.readErr != nil {
		return false, s.readErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[tenantID+"/"+invoiceID]
	return ok, nil
}

func (s *memStore) ClaimInvoice(ctx context.Context, r model.Redemption) error {
	if s.claimErr != nil {
		return s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.TenantID + "/" + r.InvoiceID
	if _, ok := s.records[key]; ok {
		return model.ErrDuplicateRedemption
	}
	s.records[key] = r
	return nil
}

func TestNormalizeInvoiceID(t *testing.T) {
	assert.Equal(t, "ABC123", NormalizeInvoiceID("abc123 "))
	assert.Equal(t, "ABC123", NormalizeInvoiceID("ABC123"))
	assert.Equal(t, "INV-1", NormalizeInvoiceID("\tinv-1\n"))
}

func TestClaim_NormalizedKeysCollide(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	require.NoError(t, l.Claim(ctx, "T1", "abc123 ", "u1", "A"))

	assert.True(t, l.IsUsed(ctx, "T1", "ABC123"))
	err := l.Claim(ctx, "T1", "ABC123", "u2", "B")
	assert.ErrorIs(t, err, model.ErrDuplicateRedemption)

	assert.False(t, l.IsUsed(ctx, "T2", "abc123"), "tenants are isolated")
	require.NoError(t, l.Claim(ctx, "T2", "abc123", "u1", "A"))

	rec := store.records["T1/ABC123"]
	assert.Equal(t, "u1", rec.SenderID)
	assert.Equal(t, "A", rec.PrizeName)
}

func TestIsUsed_FailsClosed(t *testing.T) {
	store := newMemStore()
	store.readErr = errors.New("connection refused")
	l := New(store, nil)

	assert.True(t, l.IsUsed(context.Background(), "T1", "INV-1"))
}

func TestClaim_StoreFailure(t *testing.T) {
	store := newMemStore()
	store.claimErr = errors.New("disk full")
	l := New(store, nil)

	err := l.Claim(context.Background(), "T1", "INV-1", "u1", "A")
	assert.ErrorIs(t, err, model.ErrLedgerUnavailable)
}

func TestClaim_EmptyInvoice(t *testing.T) {
	l := New(newMemStore(), nil)
	err := l.Claim(context.Background(), "T1", "   ", "u1", "A")
	assert.ErrorIs(t, err, model.ErrLedgerUnavailable)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	l := New(newMemStore(), nil)
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Claim(ctx, "T1", "inv-1", "u", "A"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestFallbackInvoiceID(t *testing.T) {
	at := time.Date(2026, 1, 27, 14, 30, 5, 0, time.UTC)

	a := FallbackInvoiceID("user-1", at)
	b := FallbackInvoiceID("user-1", at)
	c := FallbackInvoiceID("user-2", at)
	d := FallbackInvoiceID("user-1", at.Add(time.Second))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Regexp(t, `^AUTO-270126-143005-[0-9A-F]{6}$`, a)
	assert.Equal(t, a, NormalizeInvoiceID(a))
}
