// Package history provides the per-identity transaction history stores.
package history

import (
	"context"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore keeps each identity's history in its own ring buffer behind
// its own lock, so identities never contend with each other. The outer lock
// only guards the identity map.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	logs     map[string]*identityLog
}

type identityLog struct {
	mu   sync.RWMutex
	ring *ring
}

// NewMemoryStore creates an in-memory store holding capacity entries per
// identity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryStore{
		capacity: capacity,
		logs:     make(map[string]*identityLog),
	}
}

func (s *MemoryStore) getOrCreate(identityID string) *identityLog {
	s.mu.RLock()
	l, ok := s.logs[identityID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok = s.logs[identityID]; ok {
		return l
	}
	l = &identityLog{ring: newRing(s.capacity)}
	s.logs[identityID] = l
	return l
}

func (s *MemoryStore) lookup(identityID string) *identityLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[identityID]
}

// Append adds tx to the tail of the identity's history.
func (s *MemoryStore) Append(_ context.Context, identityID string, tx domain.Transaction) error {
	l := s.getOrCreate(identityID)

	l.mu.Lock()
	l.ring.push(tx)
	l.mu.Unlock()
	return nil
}

// Recent returns a copy of up to window newest entries, oldest first.
func (s *MemoryStore) Recent(_ context.Context, identityID string, window int) ([]domain.Transaction, error) {
	l := s.lookup(identityID)
	if l == nil {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ring.last(window), nil
}

// LastDeviceMatch scans newest to oldest for deviceID.
func (s *MemoryStore) LastDeviceMatch(_ context.Context, identityID, deviceID string) (*domain.Transaction, bool, error) {
	l := s.lookup(identityID)
	if l == nil || deviceID == "" {
		return nil, false, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := l.ring.len() - 1; i >= 0; i-- {
		if tx := l.ring.at(i); tx.DeviceID == deviceID {
			return &tx, true, nil
		}
	}
	return nil, false, nil
}

// Len returns the number of entries held for the identity.
func (s *MemoryStore) Len(_ context.Context, identityID string) (int, error) {
	l := s.lookup(identityID)
	if l == nil {
		return 0, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ring.len(), nil
}

// Identities returns the number of identities with history.
func (s *MemoryStore) Identities() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close drops all history.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = make(map[string]*identityLog)
	return nil
}
