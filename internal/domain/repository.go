// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository persists what the service layer chooses to keep: scored
// transactions, decisions, message scores and operator policy rules. The
// scoring engine itself never calls it.
type Repository interface {
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// RecentTransactions returns up to limit transactions for an identity,
	// oldest first, in recording order.
	RecentTransactions(ctx context.Context, identityID string, limit int) ([]Transaction, error)

	// LoadRecentHistory returns the newest perIdentity transactions of every
	// identity, oldest first.
	LoadRecentHistory(ctx context.Context, perIdentity int) (map[string][]Transaction, error)

	SaveDecision(ctx context.Context, result *DecisionResult) error
	GetDecision(ctx context.Context, id string) (*DecisionResult, error)

	SaveMessageScore(ctx context.Context, msg *Message, result *MessageScoreResult) error

	SavePolicyRule(ctx context.Context, rule *PolicyRule) error
	ListPolicyRules(ctx context.Context) ([]*PolicyRule, error)

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
