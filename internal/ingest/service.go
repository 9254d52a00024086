// Package ingest implements the server side of the capture pipeline:
// validating, persisting and serving memories.
package ingest

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/memorybridge/internal/cache"
	"github.com/antoniostano/memorybridge/internal/memory"
	"github.com/antoniostano/memorybridge/internal/observability"
	"github.com/antoniostano/memorybridge/internal/policy"
)

const (
	DefaultImportance = 0.5

	StatusSuccess   = "success"
	StatusDuplicate = "duplicate"

	SourceCache = "cache"
	SourceStore = "store"
)

// RememberRequest is the payload of POST /remember. Timestamp is unix
// milliseconds; fractional values are truncated.
type RememberRequest struct {
	Content          string         `json:"content"`
	UserID           string         `json:"user_id"`
	Importance       *float64       `json:"importance,omitempty"`
	EmotionalContext string         `json:"emotional_context,omitempty"`
	Timestamp        *float64       `json:"timestamp,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Fingerprint      string         `json:"fingerprint,omitempty"`
}

type RememberResult struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	ID        string `json:"id"`
}

type RecentResult struct {
	Memories []memory.Memory
	Source   string
}

// Health reports dependency state. Status is "healthy", "degraded" when
// only the cache is down, or "unhealthy" when the store is down.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Store     string `json:"store"`
	Cache     string `json:"cache"`
}

type Config struct {
	RedactPII      bool
	MaxRecallLimit int
	Now            func() time.Time
}

// Service is safe for concurrent use; all state lives in the store and cache.
type Service struct {
	store   memory.Store
	cache   cache.Cache
	metrics *observability.Metrics
	cfg     Config
}

func NewService(store memory.Store, c cache.Cache, metrics *observability.Metrics, cfg Config) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	if cfg.MaxRecallLimit <= 0 {
		cfg.MaxRecallLimit = memory.MaxRecallLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{store: store, cache: c, metrics: metrics, cfg: cfg}
}

func (s *Service) MaxRecallLimit() int {
	return s.cfg.MaxRecallLimit
}

// Remember validates and persists one memory. The durable write happens
// first; the cache append and relationship update are best effort.
func (s *Service) Remember(ctx context.Context, req RememberRequest) (RememberResult, error) {
	started := time.Now()
	m, err := s.validate(req)
	if err != nil {
		s.metrics.IngestError(string(CodeInvalidRequest))
		return RememberResult{}, err
	}

	if s.cfg.RedactPII {
		if r := policy.Redact(m.Content); r.Changed() {
			m.Content = r.Text
			m.PIIRedacted = true
			log.Info().Str("user_id", m.UserID).Strs("kinds", r.Kinds()).Msg("pii redacted before storage")
		}
	}

	saved, created, err := s.store.Save(ctx, m)
	if err != nil {
		s.metrics.IngestError(string(CodeInternal))
		log.Error().Err(err).Str("user_id", m.UserID).Msg("memory save failed")
		return RememberResult{}, internal("save memory", err)
	}

	if !created {
		s.metrics.ObserveIngest(StatusDuplicate, time.Since(started))
		log.Debug().Str("user_id", saved.UserID).Str("fingerprint", saved.Fingerprint).Msg("duplicate memory ignored")
		return RememberResult{
			Status:    StatusDuplicate,
			Timestamp: saved.Timestamp,
			Message:   "Memory already stored",
			ID:        saved.ID,
		}, nil
	}

	if err := s.cache.Append(ctx, saved); err != nil {
		s.metrics.CacheError("append")
		log.Warn().Err(err).Str("user_id", saved.UserID).Msg("cache append failed")
	}
	if _, err := s.store.TouchRelationship(ctx, saved.UserID, saved.Timestamp); err != nil {
		log.Warn().Err(err).Str("user_id", saved.UserID).Msg("relationship update failed")
	}

	s.metrics.ObserveIngest(StatusSuccess, time.Since(started))
	return RememberResult{
		Status:    StatusSuccess,
		Timestamp: saved.Timestamp,
		Message:   "Memory stored successfully",
		ID:        saved.ID,
	}, nil
}

func (s *Service) validate(req RememberRequest) (memory.Memory, error) {
	if strings.TrimSpace(req.Content) == "" {
		return memory.Memory{}, invalid("content is required")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return memory.Memory{}, invalid("user_id is required")
	}

	importance := DefaultImportance
	if req.Importance != nil {
		importance = *req.Importance
		if math.IsNaN(importance) || importance < 0 || importance > 1 {
			return memory.Memory{}, invalid("importance must be between 0 and 1")
		}
	}

	var ts int64
	if req.Timestamp != nil {
		f := *req.Timestamp
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return memory.Memory{}, invalid("timestamp must be non-negative unix milliseconds")
		}
		ts = int64(f)
	} else {
		ts = s.cfg.Now().UnixMilli()
	}

	return memory.Memory{
		UserID:           userID,
		Content:          req.Content,
		Importance:       importance,
		EmotionalContext: strings.TrimSpace(req.EmotionalContext),
		Timestamp:        ts,
		Metadata:         req.Metadata,
		Fingerprint:      strings.TrimSpace(req.Fingerprint),
	}, nil
}

// Recall reads the durable store only.
func (s *Service) Recall(ctx context.Context, userID string, q memory.RecallQuery) ([]memory.Memory, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid("user_id is required")
	}
	items, err := s.store.Recall(ctx, userID, q.Normalize(s.cfg.MaxRecallLimit))
	if err != nil {
		s.metrics.IngestError(string(CodeInternal))
		return nil, internal("recall", err)
	}
	s.metrics.Recall(SourceStore)
	return items, nil
}

// Recent serves today's newest memories from the cache when it holds a
// full page of them. A short list may be missing entries (for example
// after a cache restart), so misses, short lists and cache failures are
// served from the store.
func (s *Service) Recent(ctx context.Context, userID string, limit int) (RecentResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RecentResult{}, invalid("user_id is required")
	}
	q := memory.RecallQuery{Limit: limit}.Normalize(s.cfg.MaxRecallLimit)
	now := s.cfg.Now()

	items, err := s.cache.Recent(ctx, userID, now, q.Limit)
	switch {
	case err == nil && len(items) >= q.Limit:
		s.metrics.Recall(SourceCache)
		return RecentResult{Memories: items[:q.Limit], Source: SourceCache}, nil
	case err != nil && !errors.Is(err, cache.ErrMiss):
		s.metrics.CacheError("recent")
		log.Warn().Err(err).Str("user_id", userID).Msg("cache read failed; falling back to store")
	}

	day := now.UTC().Truncate(24 * time.Hour)
	start := day.UnixMilli()
	end := day.Add(24*time.Hour).UnixMilli() - 1
	q.Start, q.End = &start, &end
	items, err = s.store.Recall(ctx, userID, q)
	if err != nil {
		s.metrics.IngestError(string(CodeInternal))
		return RecentResult{}, internal("recent", err)
	}
	s.metrics.Recall(SourceStore)
	return RecentResult{Memories: items, Source: SourceStore}, nil
}

// Relationship returns the relationship record; found is false when the
// user has no stored memories yet.
func (s *Service) Relationship(ctx context.Context, userID string) (rel memory.Relationship, found bool, err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return rel, false, invalid("user_id is required")
	}
	rel, err = s.store.Relationship(ctx, userID)
	if errors.Is(err, memory.ErrNotFound) {
		return rel, false, nil
	}
	if err != nil {
		return rel, false, internal("relationship", err)
	}
	return rel, true, nil
}

// Health pings the store and cache.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:    "healthy",
		Timestamp: s.cfg.Now().UTC().Format(time.RFC3339),
		Store:     s.store.Mode(),
		Cache:     s.cache.Mode(),
	}
	if err := s.cache.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("cache ping failed")
		h.Status = "degraded"
		h.Cache += " (unreachable)"
	}
	if err := s.store.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("store ping failed")
		h.Status = "unhealthy"
		h.Store += " (unreachable)"
	}
	return h
}
