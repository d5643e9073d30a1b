// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and applies pending migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	dialect, dir := goose.DialectSQLite3, "migrations/sqlite"
	if r.driver == "postgres" {
		dialect, dir = goose.DialectPostgres, "migrations/postgres"
	}
	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, r.db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

const txColumns = `id, identity_id, amount, timestamp, time_slot, is_new_device,
	is_new_beneficiary, beneficiary_id, location_change, device_id`

type scanner interface {
	Scan(dest ...any) error
}

// sqlTime scans timestamps that SQLite may hand back as text when the
// declared column type is lost, e.g. through a window subquery.
type sqlTime struct{ time.Time }

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t *sqlTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

func scanTransaction(s scanner) (domain.Transaction, error) {
	var tx domain.Transaction
	var slot string
	var ts sqlTime
	err := s.Scan(
		&tx.ID, &tx.IdentityID, &tx.Amount, &ts, &slot,
		&tx.IsNewDevice, &tx.IsNewBeneficiary, &tx.BeneficiaryID,
		&tx.LocationChange, &tx.DeviceID,
	)
	tx.TimeSlot = domain.TimeSlot(slot)
	tx.Timestamp = ts.Time
	return tx, err
}

// SaveTransaction stores a scored transaction. Saving the same ID twice is a
// no-op so redelivered bus events stay idempotent.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" || tx.IdentityID == "" {
		return fmt.Errorf("%w: transaction id and identity id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (` + txColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.IdentityID, tx.Amount, tx.Timestamp.UTC(), string(tx.TimeSlot),
		tx.IsNewDevice, tx.IsNewBeneficiary, tx.BeneficiaryID,
		tx.LocationChange, tx.DeviceID, time.Now().UTC(),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// RecentTransactions returns up to limit transactions of an identity,
// oldest first.
func (r *SQLRepository) RecentTransactions(ctx context.Context, identityID string, limit int) ([]domain.Transaction, error) {
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		return []domain.Transaction{}, nil
	}

	query := `
		SELECT ` + txColumns + ` FROM transactions
		WHERE identity_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return txs, nil
}

// LoadRecentHistory returns the newest perIdentity transactions of every
// identity, oldest first within each identity.
func (r *SQLRepository) LoadRecentHistory(ctx context.Context, perIdentity int) (map[string][]domain.Transaction, error) {
	out := make(map[string][]domain.Transaction)
	if perIdentity <= 0 {
		return out, nil
	}

	query := `
		SELECT ` + txColumns + ` FROM (
			SELECT ` + txColumns + `, seq,
				ROW_NUMBER() OVER (PARTITION BY identity_id ORDER BY seq DESC) AS rn
			FROM transactions
		) ranked
		WHERE rn <= ?
		ORDER BY identity_id, seq ASC
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), perIdentity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out[tx.IdentityID] = append(out[tx.IdentityID], tx)
	}
	return out, rows.Err()
}

// SaveDecision stores a decision together with its full JSON payload.
func (r *SQLRepository) SaveDecision(ctx context.Context, result *domain.DecisionResult) error {
	if result == nil || result.ID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	query := `
		INSERT INTO decisions (
			id, tx_id, identity_id, decision, fraud_probability,
			vulnerability_score, profile_tag, matched_rule, scored_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		result.ID, result.TransactionID, result.IdentityID, string(result.Decision),
		result.FraudProbability, result.VulnerabilityScore, string(result.ProfileTag),
		result.MatchedRule, result.ScoredAt.UTC(), string(payload),
	)
	return err
}

// GetDecision retrieves a decision by its ID or by the transaction it
// was made for.
func (r *SQLRepository) GetDecision(ctx context.Context, id string) (*domain.DecisionResult, error) {
	query := `
		SELECT payload FROM decisions
		WHERE id = ? OR tx_id = ?
		ORDER BY scored_at DESC
		LIMIT 1
	`

	var payload []byte
	err := r.db.QueryRowContext(ctx, r.rebind(query), id, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var result domain.DecisionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode decision %s: %w", id, err)
	}
	return &result, nil
}

// SaveMessageScore stores a message score. Only a hash of the text is kept.
func (r *SQLRepository) SaveMessageScore(ctx context.Context, msg *domain.Message, result *domain.MessageScoreResult) error {
	if msg == nil || result == nil {
		return fmt.Errorf("%w: message and result are required", ErrInvalidInput)
	}

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	sum := sha256.Sum256([]byte(msg.Text))

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode message score: %w", err)
	}

	created := msg.Timestamp
	if created.IsZero() {
		created = time.Now()
	}

	query := `
		INSERT INTO message_scores (
			id, sender_id, text_hash, score, tier, fraud_type, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		id, msg.SenderID, hex.EncodeToString(sum[:]), result.Score,
		string(result.Tier), result.FraudType, string(payload), created.UTC(),
	)
	return err
}

// SavePolicyRule inserts or replaces an operator rule.
func (r *SQLRepository) SavePolicyRule(ctx context.Context, rule *domain.PolicyRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	created := rule.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO policy_rules (
			id, name, description, expression, outcome, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			outcome = excluded.outcome,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		string(rule.Outcome), rule.Reason, rule.Enabled, created.UTC(), now,
	)
	return err
}

// ListPolicyRules returns every stored rule, enabled or not, by name.
func (r *SQLRepository) ListPolicyRules(ctx context.Context) ([]*domain.PolicyRule, error) {
	query := `
		SELECT id, name, description, expression, outcome, reason, enabled, created_at, updated_at
		FROM policy_rules
		ORDER BY name, id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*domain.PolicyRule{}
	for rows.Next() {
		var rule domain.PolicyRule
		var outcome string
		var created, updated sqlTime
		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Description, &rule.Expression,
			&outcome, &rule.Reason, &rule.Enabled, &created, &updated,
		); err != nil {
			return nil, err
		}
		rule.Outcome = domain.Decision(outcome)
		rule.CreatedAt, rule.UpdatedAt = created.Time, updated.Time
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
