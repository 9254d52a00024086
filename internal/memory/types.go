package memory

import (
	"context"
	"errors"
	"sort"
	"time"
)

const (
	DefaultRecallLimit = 10
	MaxRecallLimit     = 10000
	DefaultTrustLevel  = 0.5
)

var ErrNotFound = errors.New("memory: not found")

// Memory is one durably stored conversation item. Timestamp is unix
// milliseconds as supplied by the caller.
type Memory struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Content          string         `json:"content"`
	Importance       float64        `json:"importance"`
	EmotionalContext string         `json:"emotional_context,omitempty"`
	Timestamp        int64          `json:"timestamp"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Fingerprint      string         `json:"fingerprint,omitempty"`
	PIIRedacted      bool           `json:"pii_redacted"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RecallQuery bounds a read. Start and End are inclusive unix ms.
type RecallQuery struct {
	Start         *int64
	End           *int64
	Limit         int
	MinImportance float64
}

// Normalize clamps the limit into [1, max].
func (q RecallQuery) Normalize(max int) RecallQuery {
	if max <= 0 {
		max = MaxRecallLimit
	}
	if q.Limit <= 0 {
		q.Limit = DefaultRecallLimit
	}
	if q.Limit > max {
		q.Limit = max
	}
	return q
}

func (q RecallQuery) matches(m Memory) bool {
	if q.Start != nil && m.Timestamp < *q.Start {
		return false
	}
	if q.End != nil && m.Timestamp > *q.End {
		return false
	}
	return m.Importance >= q.MinImportance
}

// Relationship summarises the history with one user.
type Relationship struct {
	UserID        string  `json:"user_id"`
	FirstContact  int64   `json:"first_contact"`
	LastContact   int64   `json:"last_contact"`
	TrustLevel    float64 `json:"trust_level"`
	MemoryCount   int64   `json:"shared_memories"`
	PersonalNotes string  `json:"personal_notes,omitempty"`
}

// Store persists and retrieves memories.
type Store interface {
	// Save persists m. When m carries a fingerprint already stored for the
	// same user, the existing memory is returned with created=false.
	Save(ctx context.Context, m Memory) (saved Memory, created bool, err error)
	// Recall returns matching memories, newest first.
	Recall(ctx context.Context, userID string, q RecallQuery) ([]Memory, error)
	// TouchRelationship records contact at unix ms at, creating the
	// relationship on first contact.
	TouchRelationship(ctx context.Context, userID string, at int64) (Relationship, error)
	Relationship(ctx context.Context, userID string) (Relationship, error)
	Ping(ctx context.Context) error
	Mode() string
	Close() error
}

// sortNewestFirst orders by timestamp descending, keeping later inserts
// first among equal timestamps. items must be in insertion order.
func sortNewestFirst(items []Memory) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].Timestamp > items[b].Timestamp
	})
}
