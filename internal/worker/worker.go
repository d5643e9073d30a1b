// Package worker scores submitted transactions and messages from the event
// bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/service"
)

// Worker consumes TopicTransactionSubmitted and TopicMessageSubmitted and
// runs each event through the scoring service, which persists and
// publishes the outcome.
type Worker struct {
	bus     domain.EventBus
	service *service.Service

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates an async worker.
func NewWorker(bus domain.EventBus, svc *service.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		service: svc,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the submission topics.
func (w *Worker) Start() error {
	handlers := map[string]domain.EventHandler{
		domain.TopicTransactionSubmitted: w.processTransaction,
		domain.TopicMessageSubmitted:     w.processMessage,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for topic, handler := range handlers {
		sub, err := w.bus.Subscribe(w.ctx, topic, instrument(topic, handler))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("worker started", "topics", len(handlers))
	return nil
}

func instrument(topic string, handler domain.EventHandler) domain.EventHandler {
	return func(ctx context.Context, evt *domain.Event) error {
		err := handler(ctx, evt)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.WorkerEventsTotal.WithLabelValues(topic, result).Inc()
		return err
	}
}

func (w *Worker) processTransaction(ctx context.Context, evt *domain.Event) error {
	start := time.Now()

	var req domain.TransactionRequest
	if err := json.Unmarshal(evt.Payload, &req); err != nil {
		slog.Error("failed to parse transaction event",
			"event_id", evt.ID,
			"error", err,
		)
		return err
	}

	result, err := w.service.ScoreTransaction(ctx, &req)
	if err != nil {
		slog.Error("transaction scoring failed",
			"event_id", evt.ID,
			"tx_id", req.ID,
			"identity_id", req.IdentityID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction processed",
		"tx_id", result.TransactionID,
		"identity_id", result.IdentityID,
		"decision", result.Decision,
		"rule", result.MatchedRule,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) processMessage(ctx context.Context, evt *domain.Event) error {
	var msg domain.Message
	if err := json.Unmarshal(evt.Payload, &msg); err != nil {
		slog.Error("failed to parse message event",
			"event_id", evt.ID,
			"error", err,
		)
		return err
	}
	if msg.ID == "" {
		msg.ID = evt.ID
	}

	result, err := w.service.ScoreMessage(ctx, &msg)
	if err != nil {
		slog.Error("message scoring failed", "event_id", evt.ID, "error", err)
		return err
	}

	slog.Info("message processed",
		"message_id", msg.ID,
		"tier", result.Tier,
		"score", result.Score,
	)
	return nil
}

// Stop cancels in-flight handlers and unsubscribes.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
