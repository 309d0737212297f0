package idempotency

import (
	"context"
	"sync"
	"time"
)

// evictEvery is how many writes pass between sweeps of expired records.
const evictEvery = 256

// MemoryStore is the in-process Store used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := hashKey(key)
	if existing, ok := s.records[id]; ok && now.Before(existing.ExpiresAt) {
		return classify(existing, fingerprint)
	}
	record := pendingRecord(key, fingerprint, now, ttlOrDefault(ttl))
	s.put(id, record, now)
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := hashKey(key)
	if existing, ok := s.records[id]; ok && existing.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.put(id, completedRecord(key, fingerprint, resp, now, ttlOrDefault(ttl)), now)
	return nil
}

// Release forgets key so a failed checkout can be retried with it.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, hashKey(key))
	s.mu.Unlock()
	return nil
}

// Len reports how many records are held, expired ones included until the next sweep.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) put(id string, record Record, now time.Time) {
	s.records[id] = record
	s.writes++
	if s.writes%evictEvery != 0 {
		return
	}
	for k, r := range s.records {
		if !now.Before(r.ExpiresAt) {
			delete(s.records, k)
		}
	}
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
