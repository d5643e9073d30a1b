package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/service"
)

func newWorker(t *testing.T) (*Worker, *bus.ChannelBus, *history.MemoryStore) {
	t.Helper()
	store := history.NewMemoryStore(100)
	eng, err := engine.New(domain.DefaultThresholds(), store)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	w := NewWorker(eventBus, service.New(eng, nil, eventBus))
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w, eventBus, store
}

func subscribe(t *testing.T, b *bus.ChannelBus, topic string) <-chan *domain.Event {
	t.Helper()
	ch := make(chan *domain.Event, 10)
	if _, err := b.Subscribe(context.Background(), topic, func(_ context.Context, evt *domain.Event) error {
		ch <- evt
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return ch
}

func publish(t *testing.T, b *bus.ChannelBus, topic string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), topic, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func next(t *testing.T, ch <-chan *domain.Event) *domain.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestWorkerStartAndStop(t *testing.T) {
	w, _, _ := newWorker(t)

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if got := w.GetStats().SubscriptionCount; got != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", got)
	}
}

func TestWorkerProcessTransaction(t *testing.T) {
	_, eventBus, store := newWorker(t)
	decisions := subscribe(t, eventBus, domain.TopicDecision)

	publish(t, eventBus, domain.TopicTransactionSubmitted, &domain.TransactionRequest{
		ID:               "tx-001",
		IdentityID:       "user-1",
		Amount:           decimal.NewFromInt(500),
		Timestamp:        "2025-03-01T09:00:00+05:30",
		FraudProbability: 0.05,
	})

	var result domain.DecisionResult
	if err := json.Unmarshal(next(t, decisions).Payload, &result); err != nil {
		t.Fatalf("failed to parse decision: %v", err)
	}
	if result.TransactionID != "tx-001" {
		t.Errorf("expected tx id 'tx-001', got '%s'", result.TransactionID)
	}
	if !result.Decision.Valid() {
		t.Errorf("invalid decision %q", result.Decision)
	}

	n, err := store.Len(context.Background(), "user-1")
	if err != nil || n != 1 {
		t.Errorf("expected 1 history entry, got %d (%v)", n, err)
	}
}

func TestWorkerAlertPublished(t *testing.T) {
	_, eventBus, _ := newWorker(t)
	alerts := subscribe(t, eventBus, domain.TopicAlert)

	for _, req := range []*domain.TransactionRequest{
		{ID: "probe", IdentityID: "victim", Amount: decimal.NewFromInt(5), Timestamp: "2025-03-01T10:00:00+05:30", DeviceID: "d1"},
		{ID: "payoff", IdentityID: "victim", Amount: decimal.NewFromInt(60000), Timestamp: "2025-03-01T10:30:00+05:30", DeviceID: "d1"},
	} {
		publish(t, eventBus, domain.TopicTransactionSubmitted, req)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-alerts:
			var result domain.DecisionResult
			if err := json.Unmarshal(evt.Payload, &result); err != nil {
				t.Fatalf("failed to parse alert: %v", err)
			}
			if result.TransactionID != "payoff" {
				continue
			}
			if result.Decision != domain.DecisionBlock {
				t.Errorf("expected BLOCK, got %s", result.Decision)
			}
			return
		case <-deadline:
			t.Fatal("expected alert for the payoff transaction")
		}
	}
}

func TestWorkerProcessMessage(t *testing.T) {
	_, eventBus, _ := newWorker(t)
	scored := subscribe(t, eventBus, domain.TopicMessageScored)

	publish(t, eventBus, domain.TopicMessageSubmitted, &domain.Message{
		Text: "Congratulations! You won a lottery prize of Rs 25 lakh. Pay processing fee to claim.",
	})

	var out service.MessageScored
	if err := json.Unmarshal(next(t, scored).Payload, &out); err != nil {
		t.Fatalf("failed to parse message score: %v", err)
	}
	if out.MessageID == "" {
		t.Error("expected message id to default to the event id")
	}
	if out.Result == nil || out.Result.Score <= 0 {
		t.Errorf("expected a positive score, got %+v", out.Result)
	}
}

func TestWorkerMalformedEventCounted(t *testing.T) {
	_, eventBus, _ := newWorker(t)
	counter := metrics.WorkerEventsTotal.WithLabelValues(domain.TopicTransactionSubmitted, "error")
	before := testutil.ToFloat64(counter)

	if err := eventBus.Publish(context.Background(), domain.TopicTransactionSubmitted, []byte("{not json")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(counter) == before {
		if time.Now().After(deadline) {
			t.Fatal("expected error counter to increase")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
