// Package idempotency implements the mutating-method replay guard: a
// composite "method:key" store mapping idempotency keys to their first
// recorded outcome within a bounded TTL window.
package idempotency

import (
	"sync"
	"time"
)

// Outcome classifies the result of checking a request against the store.
type Outcome int

const (
	// New means no prior request used this idempotency key; the caller
	// should proceed and then Store the outcome.
	New Outcome = iota
	// Replay means a prior request with this key and an identical
	// fingerprint already completed; its stored response should be
	// returned verbatim without re-executing the operation.
	Replay
	// Conflict means a prior request with this key exists but its
	// fingerprint differs from the current request's params.
	Conflict
)

// StoredResponse is the recorded outcome of a prior mutating request.
type StoredResponse struct {
	Fingerprint string
	Envelope    map[string]any
	RecordedAt  time.Time
}

type entry struct {
	response  StoredResponse
	expiresAt time.Time
}

// Store guards mutating methods against duplicate execution when a caller
// retries a request carrying the same idempotency key.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
}

// NewStore constructs a Store whose entries expire after ttl.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

func compositeKey(method, idempotencyKey string) string {
	return method + ":" + idempotencyKey
}

// Check reports whether method+idempotencyKey has been seen before, and if
// so whether fingerprint matches the recorded request.
func (s *Store) Check(method, idempotencyKey, fingerprint string, now time.Time) (Outcome, *StoredResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked(now)

	key := compositeKey(method, idempotencyKey)
	existing, ok := s.entries[key]
	if !ok {
		return New, nil
	}
	if existing.response.Fingerprint != fingerprint {
		return Conflict, nil
	}
	resp := existing.response
	return Replay, &resp
}

// Store records the outcome of a newly completed mutating request under
// method+idempotencyKey.
func (s *Store) Store(method, idempotencyKey, fingerprint string, envelope map[string]any, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked(now)

	key := compositeKey(method, idempotencyKey)
	s.entries[key] = entry{
		response: StoredResponse{
			Fingerprint: fingerprint,
			Envelope:    envelope,
			RecordedAt:  now,
		},
		expiresAt: now.Add(s.ttl),
	}
}

// evictExpiredLocked performs lazy cleanup of expired entries. Callers must
// hold s.mu.
func (s *Store) evictExpiredLocked(now time.Time) {
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// Len reports the number of live entries, for diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
