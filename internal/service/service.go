// Package service runs a scoring request end to end: score through the
// engine, persist what the repository keeps, then publish the outcome on
// the bus. The HTTP API and the async worker both go through it.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// MessageScored is the payload published on TopicMessageScored. The text is
// never republished.
type MessageScored struct {
	MessageID string                     `json:"messageId"`
	SenderID  string                     `json:"senderId,omitempty"`
	Result    *domain.MessageScoreResult `json:"result"`
}

// Service wires the engine to persistence and the event bus. repo and bus
// may be nil.
type Service struct {
	engine *engine.Engine
	repo   domain.Repository
	bus    domain.EventBus
}

// New creates a Service.
func New(eng *engine.Engine, repo domain.Repository, bus domain.EventBus) *Service {
	return &Service{engine: eng, repo: repo, bus: bus}
}

// Engine returns the underlying scoring engine.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// ScoreTransaction converts req, scores it, stores the transaction and the
// decision, and publishes the decision. Alerting decisions also go to the
// alert topic. Persistence and publish failures are logged, never returned:
// the history append has already happened, so the decision stands.
func (s *Service) ScoreTransaction(ctx context.Context, req *domain.TransactionRequest) (*domain.DecisionResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", domain.ErrInvalidInput)
	}
	tx, err := req.ToTransaction(s.engine.Now())
	if err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	cur := s.engine.Normalize(tx)

	var record engine.RecordFunc
	if s.repo != nil {
		record = s.saveTransaction
	}
	result, err := s.engine.ScoreAndRecord(ctx, &cur, req.Profile, req.FraudProbability, record)
	if err != nil {
		return nil, err
	}

	if s.repo != nil {
		if err := s.repo.SaveDecision(ctx, result); err != nil {
			slog.Error("failed to save decision", "tx_id", cur.ID, "error", err)
		}
	}

	s.publish(ctx, domain.TopicDecision, result)
	if result.Alerting() {
		s.publish(ctx, domain.TopicAlert, result)
	}
	return result, nil
}

// saveTransaction runs under the identity lock so stored order matches
// history order.
func (s *Service) saveTransaction(ctx context.Context, tx *domain.Transaction) {
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
	}
}

// ScoreMessage scores msg, stores the score and publishes it.
func (s *Service) ScoreMessage(ctx context.Context, msg *domain.Message) (*domain.MessageScoreResult, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidInput)
	}
	m := *msg
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.engine.Now()
	}

	result, err := s.engine.ScoreMessage(ctx, &m)
	if err != nil {
		return nil, err
	}

	if s.repo != nil {
		if err := s.repo.SaveMessageScore(ctx, &m, result); err != nil {
			slog.Error("failed to save message score", "message_id", m.ID, "error", err)
		}
	}
	s.publish(ctx, domain.TopicMessageScored, &MessageScored{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Result:    result,
	})
	return result, nil
}

// Submit queues a transaction request for the async worker.
func (s *Service) Submit(ctx context.Context, req *domain.TransactionRequest) (string, error) {
	if s.bus == nil {
		return "", fmt.Errorf("event bus is not configured")
	}
	if req == nil {
		return "", fmt.Errorf("%w: request is required", domain.ErrInvalidInput)
	}
	tx, err := req.ToTransaction(s.engine.Now())
	if err != nil {
		return "", err
	}
	if err := tx.Validate(); err != nil {
		return "", err
	}

	queued := *req
	if queued.ID == "" {
		queued.ID = uuid.New().String()
	}
	if queued.Timestamp == "" {
		queued.Timestamp = tx.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	payload, err := json.Marshal(&queued)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	if err := s.bus.Publish(ctx, domain.TopicTransactionSubmitted, payload); err != nil {
		return "", fmt.Errorf("failed to queue transaction: %w", err)
	}
	return queued.ID, nil
}

func (s *Service) publish(ctx context.Context, topic string, v any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}
