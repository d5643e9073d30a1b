package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = cache.Set(ctx, "key1", []byte("value2"), time.Minute)
		val, _ := cache.Get(ctx, "key1")
		if string(val) != "value2" {
			t.Errorf("expected overwritten value, got '%s'", string(val))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clockCache := NewLRUCache(10)
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		clockCache.now = func() time.Time { return now }

		_ = clockCache.Set(ctx, "expiring", []byte("temp"), 10*time.Second)

		val, _ := clockCache.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		now = now.Add(11 * time.Second)
		val, _ = clockCache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
		if st := clockCache.Stats(); st.Size != 0 {
			t.Errorf("expected expired entry to be dropped, size %d", st.Size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		_, _ = statsCache.Get(ctx, "k1")
		_, _ = statsCache.Get(ctx, "missing")

		st := statsCache.Stats()
		if st.Size != 2 {
			t.Errorf("expected size 2, got %d", st.Size)
		}
		if st.Capacity != 50 {
			t.Errorf("expected capacity 50, got %d", st.Capacity)
		}
		if st.Hits != 1 || st.Misses != 1 {
			t.Errorf("expected 1 hit and 1 miss, got %d/%d", st.Hits, st.Misses)
		}
	})

	t.Run("NonPositiveTTLRemoves", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, "k", []byte("v"), time.Minute)
		_ = c.Set(ctx, "k", []byte("v2"), 0)

		if val, _ := c.Get(ctx, "k"); val != nil {
			t.Errorf("expected key removed, got %q", val)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNoopCache(t *testing.T) {
	ctx := context.Background()
	var c domain.Cache = NoopCache{}

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	val, err := c.Get(ctx, "k")
	if err != nil || val != nil {
		t.Errorf("expected permanent miss, got %v, %v", val, err)
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "none"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := cache.(NoopCache); !ok {
			t.Error("expected NoopCache for none type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		if !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	addr := os.Getenv("KESTREL_TEST_REDIS")
	if addr == "" {
		t.Skip("KESTREL_TEST_REDIS not set")
	}
	ctx := context.Background()

	remote, err := NewRedisCache(addr, "", 0)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	c := newTwoPhase(NewLRUCache(10), remote, time.Minute)
	defer c.Close()

	key := "kestrel:test:two-phase"
	defer c.Delete(ctx, key)

	if err := c.Set(ctx, key, []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// drop L1 so the read has to go to Redis and repopulate
	_ = c.local.Delete(ctx, key)
	val, err := c.Get(ctx, key)
	if err != nil || string(val) != "v" {
		t.Fatalf("expected L2 hit, got %q, %v", val, err)
	}
	if st := c.Stats(); st.Size != 1 {
		t.Errorf("expected L1 repopulated, size %d", st.Size)
	}
}

// failingCache stands in for an unreachable shared cache.
type failingCache struct{ NoopCache }

var errDown = errors.New("connection refused")

func (failingCache) Get(context.Context, string) ([]byte, error)              { return nil, errDown }
func (failingCache) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (failingCache) Delete(context.Context, string) error                     { return errDown }
func (failingCache) Ping(context.Context) error                               { return errDown }

func TestTwoPhaseCacheDegradesToLocal(t *testing.T) {
	ctx := context.Background()
	c := newTwoPhase(NewLRUCache(10), failingCache{}, time.Minute)

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set should not fail when L2 is down: %v", err)
	}
	val, err := c.Get(ctx, "k")
	if err != nil || string(val) != "v" {
		t.Fatalf("expected L1 hit, got %q, %v", val, err)
	}

	val, err = c.Get(ctx, "absent")
	if err != nil || val != nil {
		t.Errorf("expected clean miss, got %q, %v", val, err)
	}

	if err := c.Ping(ctx); !errors.Is(err, errDown) {
		t.Errorf("expected Ping to surface L2 failure, got %v", err)
	}
	if err := c.Delete(ctx, "k"); !errors.Is(err, errDown) {
		t.Errorf("expected Delete to surface L2 failure, got %v", err)
	}
	if val, _ := c.local.Get(ctx, "k"); val != nil {
		t.Error("expected L1 entry removed even when L2 delete fails")
	}
}
