package velocity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
)

func TestCount(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	txs := []domain.Transaction{
		{ID: "old", Timestamp: now.Add(-48 * time.Hour)},
		{ID: "edge", Timestamp: now.Add(-24 * time.Hour)},
		{ID: "recent", Timestamp: now.Add(-time.Hour)},
		{ID: "future", Timestamp: now.Add(time.Hour)},
	}

	tests := []struct {
		name   string
		window time.Duration
		want   int
	}{
		{"OneHour", time.Hour, 1},
		{"OneDayInclusive", 24 * time.Hour, 2},
		{"ThreeDays", 72 * time.Hour, 3},
		{"ZeroWindow", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Count(txs, now, tt.window); got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := Count(nil, now, time.Hour); got != 0 {
		t.Errorf("expected 0 for empty history, got %d", got)
	}
}

func TestVelocityService(t *testing.T) {
	store := history.NewMemoryStore(100)
	defer store.Close()

	svc := NewService(store)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("UnknownIdentity", func(t *testing.T) {
		count, err := svc.TransactionCount(ctx, "user-001", now, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for unknown identity, got %d", count)
		}
	})

	t.Run("WithTransactions", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			tx := domain.Transaction{
				ID:         fmt.Sprintf("tx-%d", i),
				IdentityID: "user-001",
				Amount:     decimal.NewFromInt(100),
				Timestamp:  now.Add(-time.Duration(i) * 10 * time.Minute),
			}
			if err := store.Append(ctx, "user-001", tx); err != nil {
				t.Fatalf("failed to append: %v", err)
			}
		}

		count, err := svc.TransactionCount(ctx, "user-001", now, 25*time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 3 {
			t.Errorf("expected 3 transactions in 25m, got %d", count)
		}

		count, _ = svc.TransactionCount(ctx, "user-002", now, time.Hour)
		if count != 0 {
			t.Errorf("expected other identity to be isolated, got %d", count)
		}
	})

	t.Run("EmptyIdentity", func(t *testing.T) {
		_, err := svc.TransactionCount(ctx, "", now, time.Hour)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NoSource", func(t *testing.T) {
		_, err := NewService(nil).TransactionCount(ctx, "user-001", now, time.Hour)
		if err == nil {
			t.Error("expected error without a history source")
		}
	})
}
