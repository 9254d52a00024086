package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process memory store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	records       map[string][]Memory
	fingerprints  map[string]map[string]int
	relationships map[string]Relationship
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:       make(map[string][]Memory),
		fingerprints:  make(map[string]map[string]int),
		relationships: make(map[string]Relationship),
	}
}

func (s *InMemoryStore) Save(_ context.Context, m Memory) (Memory, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Fingerprint != "" {
		if idx, ok := s.fingerprints[m.UserID][m.Fingerprint]; ok {
			return cloneMemory(s.records[m.UserID][idx]), false, nil
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m = cloneMemory(m)
	s.records[m.UserID] = append(s.records[m.UserID], m)
	if m.Fingerprint != "" {
		byFP := s.fingerprints[m.UserID]
		if byFP == nil {
			byFP = make(map[string]int)
			s.fingerprints[m.UserID] = byFP
		}
		byFP[m.Fingerprint] = len(s.records[m.UserID]) - 1
	}
	return cloneMemory(m), true, nil
}

func (s *InMemoryStore) Recall(_ context.Context, userID string, q RecallQuery) ([]Memory, error) {
	q = q.Normalize(MaxRecallLimit)
	s.mu.RLock()
	arr := s.records[userID]
	matched := make([]Memory, 0, len(arr))
	for _, m := range arr {
		if q.matches(m) {
			matched = append(matched, cloneMemory(m))
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *InMemoryStore) TouchRelationship(_ context.Context, userID string, at int64) (Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[userID]
	if !ok {
		rel = Relationship{UserID: userID, FirstContact: at, TrustLevel: DefaultTrustLevel}
	}
	if at > rel.LastContact {
		rel.LastContact = at
	}
	rel.MemoryCount++
	s.relationships[userID] = rel
	return rel, nil
}

func (s *InMemoryStore) Relationship(_ context.Context, userID string) (Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relationships[userID]
	if !ok {
		return Relationship{}, ErrNotFound
	}
	return rel, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Mode() string { return "memory" }

func (s *InMemoryStore) Close() error { return nil }

func cloneMemory(m Memory) Memory {
	if m.Metadata != nil {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		m.Metadata = meta
	}
	return m
}
