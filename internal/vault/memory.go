package vault

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory vault variant used by the test harness and
// by deployments that accept losing tokens on restart.
type MemoryStore struct {
	mu       sync.Mutex
	byToken  map[string]*TokenRecord
	byHash   map[string]string // value_hash -> placeholder
	counters map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken:  make(map[string]*TokenRecord),
		byHash:   make(map[string]string),
		counters: make(map[string]int),
	}
}

func (s *MemoryStore) MintOrGet(ctx context.Context, rec *TokenRecord) (*TokenRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if placeholder, ok := s.byHash[rec.ValueHash]; ok {
		if existing, ok := s.byToken[placeholder]; ok && !existing.Revoked && !existing.Expired(rec.CreatedAt) {
			existing.AccessCount++
			cp := *existing
			return &cp, false, nil
		}
		delete(s.byHash, rec.ValueHash)
	}

	s.counters[rec.Kind]++
	rec.Placeholder = FormatPlaceholder(rec.Kind, s.counters[rec.Kind])
	cp := *rec
	s.byToken[rec.Placeholder] = &cp
	s.byHash[rec.ValueHash] = rec.Placeholder
	return rec, true, nil
}

func (s *MemoryStore) Lookup(ctx context.Context, placeholder string) (*TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byToken[placeholder]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Touch(ctx context.Context, placeholder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byToken[placeholder]
	if !ok {
		return ErrTokenNotFound
	}
	rec.AccessCount++
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, placeholder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byToken[placeholder]
	if !ok {
		return ErrTokenNotFound
	}
	rec.Revoked = true
	return nil
}

func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for placeholder, rec := range s.byToken {
		if rec.Revoked || rec.Expired(now) {
			delete(s.byToken, placeholder)
			delete(s.byHash, rec.ValueHash)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
