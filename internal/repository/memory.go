package repository

import (
	"context"
	"sync"
	"time"

	"entitlements-api/internal/model"
)

// txnEntry is a transaction-ownership entry with its replay-window expiry.
type txnEntry struct {
	seen      model.TransactionSeen
	expiresAt time.Time
}

func (e *txnEntry) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// idemEntry is a cached terminal response with expiration.
type idemEntry struct {
	response  []byte
	expiresAt time.Time
}

func (e *idemEntry) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// MemoryStore is the in-memory implementation of Store for single-instance
// deployments. Ownership assignment is atomic per reference because the
// check and the write happen under one lock. Pair it with a
// SnapshotPersister to survive restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*model.EntitlementRecord
	txns     map[string]*txnEntry
	idem     map[string]*idemEntry
	velocity map[string][]time.Time

	// onChange is notified after every mutation of durable state
	// (records and transaction ownership). Set by the snapshot persister.
	onChange func()

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryStore creates a new in-memory store with automatic cleanup of
// expired TTL entries.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records:         make(map[string]*model.EntitlementRecord),
		txns:            make(map[string]*txnEntry),
		idem:            make(map[string]*idemEntry),
		velocity:        make(map[string][]time.Time),
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// GetRecord returns the record for an identity, or nil if none exists.
func (s *MemoryStore) GetRecord(ctx context.Context, identity string) (*model.EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[identity]
	if !exists {
		return nil, nil
	}

	out := *rec
	return &out, nil
}

// UpsertRecord merges the patch onto the existing record and stamps UpdatedAt.
func (s *MemoryStore) UpsertRecord(ctx context.Context, identity string, patch model.RecordPatch) (*model.EntitlementRecord, error) {
	s.mu.Lock()

	rec, exists := s.records[identity]
	if !exists {
		rec = &model.EntitlementRecord{Identity: identity}
		s.records[identity] = rec
	}
	patch.Apply(rec)
	rec.UpdatedAt = time.Now().UTC()

	out := *rec
	s.mu.Unlock()

	s.notify()
	return &out, nil
}

// ClaimTransaction assigns first-writer-wins ownership of a reference.
func (s *MemoryStore) ClaimTransaction(ctx context.Context, ref, identity string, ttl time.Duration) (*model.TransactionSeen, bool, error) {
	s.mu.Lock()

	if entry, exists := s.txns[ref]; exists && !entry.isExpired() {
		seen := entry.seen
		s.mu.Unlock()
		return &seen, false, nil
	}

	entry := &txnEntry{
		seen:      model.TransactionSeen{Identity: identity, SeenAt: time.Now().UTC()},
		expiresAt: time.Now().Add(ttl),
	}
	s.txns[ref] = entry

	seen := entry.seen
	s.mu.Unlock()

	s.notify()
	return &seen, true, nil
}

// GetTransactionSeen returns the ownership entry for a reference, or nil.
func (s *MemoryStore) GetTransactionSeen(ctx context.Context, ref string) (*model.TransactionSeen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.txns[ref]
	if !exists || entry.isExpired() {
		return nil, nil
	}

	seen := entry.seen
	return &seen, nil
}

// GetIdempotent returns a cached terminal response or ErrNotFound.
func (s *MemoryStore) GetIdempotent(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.idem[key]
	if !exists || entry.isExpired() {
		return nil, ErrNotFound
	}

	out := make([]byte, len(entry.response))
	copy(out, entry.response)
	return out, nil
}

// PutIdempotent stores a terminal response for replay.
func (s *MemoryStore) PutIdempotent(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := make([]byte, len(response))
	copy(value, response)

	s.idem[key] = &idemEntry{response: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// IncrVelocity records a scoring invocation and returns the count within the
// sliding window.
func (s *MemoryStore) IncrVelocity(ctx context.Context, installID string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	kept := s.velocity[installID][:0]
	for _, ts := range s.velocity[installID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.velocity[installID] = kept

	return len(kept), nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *MemoryStore) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// removeExpired removes all expired TTL entries.
func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ref, entry := range s.txns {
		if entry.isExpired() {
			delete(s.txns, ref)
		}
	}
	for key, entry := range s.idem {
		if entry.isExpired() {
			delete(s.idem, key)
		}
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for id, stamps := range s.velocity {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(s.velocity, id)
		}
	}
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
