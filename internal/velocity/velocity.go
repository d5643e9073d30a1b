// Package velocity counts how many transactions an identity made in a
// trailing time window.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Count returns the number of entries in txs with a timestamp in
// [asOf-window, asOf]. Entries after asOf are ignored.
func Count(txs []domain.Transaction, asOf time.Time, window time.Duration) int {
	since := asOf.Add(-window)
	n := 0
	for i := range txs {
		ts := txs[i].Timestamp
		if !ts.Before(since) && !ts.After(asOf) {
			n++
		}
	}
	return n
}

// Service calculates transaction velocity from the history store.
type Service struct {
	history domain.HistoryStore
}

// NewService creates a new velocity service.
func NewService(history domain.HistoryStore) *Service {
	return &Service{history: history}
}

// TransactionCount returns the number of transactions an identity recorded
// in the window ending at asOf.
func (s *Service) TransactionCount(ctx context.Context, identityID string, asOf time.Time, window time.Duration) (int, error) {
	if identityID == "" {
		return 0, fmt.Errorf("%w: identity id is required", domain.ErrInvalidInput)
	}
	if s.history == nil {
		return 0, fmt.Errorf("no data source available")
	}

	txs, err := s.history.Recent(ctx, identityID, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read history: %w", err)
	}
	return Count(txs, asOf, window), nil
}
