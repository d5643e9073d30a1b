package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// appendScript pushes one entry and trims the list to capacity atomically.
var appendScript = redis.NewScript(`
	redis.call('RPUSH', KEYS[1], ARGV[1])
	redis.call('LTRIM', KEYS[1], -tonumber(ARGV[2]), -1)
	return redis.call('LLEN', KEYS[1])
`)

// RedisStore keeps each identity's history in a capped Redis list so that
// several engine replicas share one view.
type RedisStore struct {
	client   *redis.Client
	capacity int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db, capacity int) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, capacity), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, capacity int) *RedisStore {
	if capacity <= 0 {
		capacity = 100
	}
	return &RedisStore{client: client, capacity: capacity}
}

// Append adds tx to the tail of the identity's list.
func (s *RedisStore) Append(ctx context.Context, identityID string, tx domain.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	return appendScript.Run(ctx, s.client, []string{s.key(identityID)}, data, s.capacity).Err()
}

// Recent returns up to window newest entries, oldest first.
func (s *RedisStore) Recent(ctx context.Context, identityID string, window int) ([]domain.Transaction, error) {
	start := int64(0)
	if window > 0 {
		start = -int64(window)
	}

	raw, err := s.client.LRange(ctx, s.key(identityID), start, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	out := make([]domain.Transaction, 0, len(raw))
	for _, item := range raw {
		var tx domain.Transaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		out = append(out, tx)
	}
	return out, nil
}

// LastDeviceMatch scans the held history newest first.
func (s *RedisStore) LastDeviceMatch(ctx context.Context, identityID, deviceID string) (*domain.Transaction, bool, error) {
	if deviceID == "" {
		return nil, false, nil
	}

	txs, err := s.Recent(ctx, identityID, 0)
	if err != nil {
		return nil, false, err
	}
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].DeviceID == deviceID {
			return &txs[i], true, nil
		}
	}
	return nil, false, nil
}

// Len returns the list length.
func (s *RedisStore) Len(ctx context.Context, identityID string) (int, error) {
	n, err := s.client.LLen(ctx, s.key(identityID)).Result()
	return int(n), err
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(identityID string) string {
	return "kestrel:history:" + identityID
}
