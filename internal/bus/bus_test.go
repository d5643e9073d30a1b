package bus

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Event, 1)
		_, err := bus.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, evt *domain.Event) error {
			got <- evt
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicDecision, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case evt := <-got:
			if string(evt.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", evt.Payload)
			}
			if evt.Topic != domain.TopicDecision {
				t.Errorf("expected topic %s, got %s", domain.TopicDecision, evt.Topic)
			}
			if evt.ID == "" || evt.Timestamp == 0 {
				t.Errorf("envelope not populated: %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var alerts, scored atomic.Int32

		bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, evt *domain.Event) error {
			alerts.Add(1)
			return nil
		})
		bus.Subscribe(ctx, domain.TopicMessageScored, func(ctx context.Context, evt *domain.Event) error {
			scored.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicAlert, []byte("a"))
		bus.Publish(ctx, domain.TopicAlert, []byte("b"))

		waitFor(t, func() bool { return alerts.Load() == 2 })
		if scored.Load() != 0 {
			t.Errorf("message.scored subscriber received %d alert events", scored.Load())
		}
	})

	t.Run("FanOut", func(t *testing.T) {
		var count atomic.Int32
		for i := 0; i < 3; i++ {
			bus.Subscribe(ctx, "kestrel.fanout", func(ctx context.Context, evt *domain.Event) error {
				count.Add(1)
				return nil
			})
		}
		bus.Publish(ctx, "kestrel.fanout", nil)
		waitFor(t, func() bool { return count.Load() == 3 })
	})

	t.Run("OrderPerSubscriber", func(t *testing.T) {
		var mu sync.Mutex
		var seen []string
		bus.Subscribe(ctx, "kestrel.ordered", func(ctx context.Context, evt *domain.Event) error {
			mu.Lock()
			seen = append(seen, string(evt.Payload))
			mu.Unlock()
			return nil
		})
		for _, p := range []string{"1", "2", "3", "4"} {
			bus.Publish(ctx, "kestrel.ordered", []byte(p))
		}
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 4
		})
		for i, want := range []string{"1", "2", "3", "4"} {
			if seen[i] != want {
				t.Errorf("position %d: expected %s, got %s", i, want, seen[i])
			}
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, "kestrel.unsub", func(ctx context.Context, evt *domain.Event) error {
			count.Add(1)
			return nil
		})
		if sub.Topic() != "kestrel.unsub" {
			t.Errorf("unexpected topic %s", sub.Topic())
		}
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		bus.Publish(ctx, "kestrel.unsub", nil)
		time.Sleep(20 * time.Millisecond)
		if count.Load() != 0 {
			t.Errorf("received %d events after unsubscribe", count.Load())
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", nil); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := bus.Subscribe(ctx, "", nil); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestChannelBusDropsOnFullBuffer(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(ctx, "kestrel.slow", func(ctx context.Context, evt *domain.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	bus.Publish(ctx, "kestrel.slow", nil)
	<-started
	bus.Publish(ctx, "kestrel.slow", nil) // fills the buffer
	bus.Publish(ctx, "kestrel.slow", nil) // dropped
	close(release)

	if got := bus.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped event, got %d", got)
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	if err := bus.Ping(ctx); err != nil {
		t.Errorf("ping failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from ping, got %v", err)
	}
	if err := bus.Publish(ctx, domain.TopicDecision, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from publish, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, domain.TopicDecision, func(context.Context, *domain.Event) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from subscribe, got %v", err)
	}
}

func TestNewBus(t *testing.T) {
	bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
	if err != nil {
		t.Fatalf("failed to create channel bus: %v", err)
	}
	defer bus.Close()
	if _, ok := bus.(*ChannelBus); !ok {
		t.Errorf("expected *ChannelBus, got %T", bus)
	}

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(10000)
	defer bus.Close()
	ctx := context.Background()

	var received atomic.Int32
	bus.Subscribe(ctx, domain.TopicTransactionSubmitted, func(ctx context.Context, evt *domain.Event) error {
		received.Add(1)
		return nil
	})

	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/10; j++ {
				bus.Publish(ctx, domain.TopicTransactionSubmitted, []byte("tx"))
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return received.Load() == n })
}

func TestNATSBus(t *testing.T) {
	url := os.Getenv("KESTREL_TEST_NATS")
	if url == "" {
		t.Skip("KESTREL_TEST_NATS not set")
	}

	bus, err := NewNATSBus(domain.EventBusConfig{NATSUrl: url, NATSMaxReconnects: 1, NATSReconnectWait: 1})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer bus.Close()
	ctx := context.Background()

	got := make(chan *domain.Event, 1)
	if _, err := bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, evt *domain.Event) error {
		got <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := bus.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if err := bus.Publish(ctx, domain.TopicAlert, []byte(`{"kind":"RapidSwitching"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case evt := <-got:
		if evt.Topic != domain.TopicAlert {
			t.Errorf("unexpected topic %s", evt.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for NATS event")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := newEnvelope(context.Background(), domain.TopicDecision, []byte(`{"decision":"BLOCK"}`))
	if err != nil {
		t.Fatalf("newEnvelope failed: %v", err)
	}
	evt, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decodeEnvelope failed: %v", err)
	}
	if evt.Topic != domain.TopicDecision || string(evt.Payload) != `{"decision":"BLOCK"}` {
		t.Errorf("unexpected envelope %+v", evt)
	}
	if _, err := decodeEnvelope([]byte("not json")); err == nil {
		t.Error("expected error for malformed envelope")
	}
}

func TestQueueGroupOnlyForWorkTopics(t *testing.T) {
	b := &NATSBus{config: domain.EventBusConfig{NATSQueueGroup: "kestrel-workers"}}

	if got := b.queueGroup(domain.TopicTransactionSubmitted); got != "kestrel-workers" {
		t.Errorf("submitted transactions should use the queue group, got %q", got)
	}
	if got := b.queueGroup(domain.TopicMessageSubmitted); got != "kestrel-workers" {
		t.Errorf("submitted messages should use the queue group, got %q", got)
	}
	if got := b.queueGroup(domain.TopicDecision); got != "" {
		t.Errorf("decisions are broadcast, got group %q", got)
	}
}

func TestTraceContextCarriedInEvent(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	evt := newEvent(ctx, domain.TopicTransactionSubmitted, []byte("{}"))
	if evt.Metadata["traceparent"] == "" {
		t.Fatalf("expected traceparent in metadata, got %v", evt.Metadata)
	}

	got := trace.SpanContextFromContext(eventContext(context.Background(), evt))
	if got.TraceID() != traceID {
		t.Errorf("expected trace %s, got %s", traceID, got.TraceID())
	}
}

func TestChannelBusPropagatesTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	b := NewChannelBus(10)
	defer b.Close()

	traceID, _ := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	spanID, _ := trace.SpanIDFromHex("b7ad6b7169203331")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	got := make(chan trace.TraceID, 1)
	_, err := b.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, _ *domain.Event) error {
		got <- trace.SpanContextFromContext(ctx).TraceID()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.Publish(ctx, domain.TopicDecision, []byte("{}")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case id := <-got:
		if id != traceID {
			t.Errorf("expected trace %s in handler, got %s", traceID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestConnectWithRetry(t *testing.T) {
	calls := 0
	boom := errors.New("no servers available")
	_, err := connectWithRetry(3, time.Millisecond, func() (*nats.Conn, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected last dial error wrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestNATSDefaults(t *testing.T) {
	cfg := withNATSDefaults(domain.EventBusConfig{Type: "nats"})
	if cfg.NATSUrl != nats.DefaultURL || cfg.NATSMaxReconnects != 10 || cfg.NATSReconnectWait != 5 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if len(natsOptions(cfg)) == 0 {
		t.Error("expected connection options")
	}
	withToken := natsOptions(domain.EventBusConfig{NATSToken: "s3cret"})
	if len(withToken) != len(natsOptions(domain.EventBusConfig{}))+1 {
		t.Error("expected token option to be appended")
	}
}
