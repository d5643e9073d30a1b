package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the history store selected by configuration.
func New(cfg domain.HistoryConfig) (domain.HistoryStore, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(cfg.Capacity), nil

	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Capacity)

	default:
		return nil, fmt.Errorf("%w: unsupported history backend %q", domain.ErrInvalidConfig, cfg.Backend)
	}
}

// Source supplies persisted history for warming a store.
type Source interface {
	LoadRecentHistory(ctx context.Context, perIdentity int) (map[string][]domain.Transaction, error)
}

// Warm replays persisted transactions into store, oldest first, and returns
// the number of entries loaded.
func Warm(ctx context.Context, store domain.HistoryStore, src Source, capacity int) (int, error) {
	byIdentity, err := src.LoadRecentHistory(ctx, capacity)
	if err != nil {
		return 0, fmt.Errorf("failed to load history: %w", err)
	}

	loaded := 0
	for identityID, txs := range byIdentity {
		for _, tx := range txs {
			if err := store.Append(ctx, identityID, tx); err != nil {
				return loaded, err
			}
			loaded++
		}
	}

	slog.Info("history warmed",
		"identities", len(byIdentity),
		"transactions", loaded,
	)
	return loaded, nil
}
