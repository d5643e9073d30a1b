package domain

import "context"

// HistoryStore keeps a bounded, chronological window of transactions per
// identity. Readers receive copies. An unknown identity has an empty
// history; it is not an error.
type HistoryStore interface {
	// Append adds tx at the tail, evicting the oldest entry past capacity.
	Append(ctx context.Context, identityID string, tx Transaction) error

	// Recent returns up to window most recent entries, oldest first.
	// window <= 0 returns everything held.
	Recent(ctx context.Context, identityID string, window int) ([]Transaction, error)

	// LastDeviceMatch returns the newest entry made from deviceID.
	LastDeviceMatch(ctx context.Context, identityID, deviceID string) (*Transaction, bool, error)

	Len(ctx context.Context, identityID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// HistoryConfig selects and sizes the history backend.
type HistoryConfig struct {
	// Backend is "memory" or "redis".
	Backend  string
	Capacity int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// WarmFromRepository preloads the memory backend at startup.
	WarmFromRepository bool
}
