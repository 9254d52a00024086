package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists memories in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL,
			emotional_context TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL,
			metadata JSONB,
			fingerprint TEXT NOT NULL DEFAULT '',
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_ts ON memories (user_id, ts DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_user_fingerprint ON memories (user_id, fingerprint) WHERE fingerprint <> '';`,
		`CREATE TABLE IF NOT EXISTS relationships (
			user_id TEXT PRIMARY KEY,
			first_contact BIGINT NOT NULL,
			last_contact BIGINT NOT NULL,
			trust_level DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			shared_memories BIGINT NOT NULL DEFAULT 0,
			personal_notes TEXT NOT NULL DEFAULT ''
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgMemoryColumns = `id, user_id, content, importance, emotional_context, ts, metadata, fingerprint, pii_redacted, created_at`

func (s *PostgresStore) Save(ctx context.Context, m Memory) (Memory, bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return Memory{}, false, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO memories (`+pgMemoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
		 ON CONFLICT DO NOTHING`,
		m.ID,
		m.UserID,
		m.Content,
		m.Importance,
		m.EmotionalContext,
		m.Timestamp,
		meta,
		m.Fingerprint,
		m.PIIRedacted,
		m.CreatedAt,
	)
	if err != nil {
		return Memory{}, false, fmt.Errorf("save memory: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return m, true, nil
	}
	if m.Fingerprint == "" {
		return Memory{}, false, fmt.Errorf("save memory: id %s already exists", m.ID)
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+pgMemoryColumns+` FROM memories WHERE user_id=$1 AND fingerprint=$2`,
		m.UserID, m.Fingerprint,
	)
	existing, err := scanMemory(row)
	if err != nil {
		return Memory{}, false, fmt.Errorf("load existing memory: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) Recall(ctx context.Context, userID string, q RecallQuery) ([]Memory, error) {
	q = q.Normalize(MaxRecallLimit)

	var (
		where = []string{"user_id=$1", "importance >= $2"}
		args  = []any{userID, q.MinImportance}
	)
	if q.Start != nil {
		args = append(args, *q.Start)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if q.End != nil {
		args = append(args, *q.End)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}
	args = append(args, q.Limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMemoryColumns+` FROM memories
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY ts DESC, created_at DESC
		 LIMIT $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	items := make([]Memory, 0, q.Limit)
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) TouchRelationship(ctx context.Context, userID string, at int64) (Relationship, error) {
	var rel Relationship
	err := s.pool.QueryRow(ctx,
		`INSERT INTO relationships (user_id, first_contact, last_contact, trust_level, shared_memories)
		 VALUES ($1, $2, $2, $3, 1)
		 ON CONFLICT (user_id) DO UPDATE SET
			last_contact = GREATEST(relationships.last_contact, EXCLUDED.last_contact),
			shared_memories = relationships.shared_memories + 1
		 RETURNING user_id, first_contact, last_contact, trust_level, shared_memories, personal_notes`,
		userID, at, DefaultTrustLevel,
	).Scan(&rel.UserID, &rel.FirstContact, &rel.LastContact, &rel.TrustLevel, &rel.MemoryCount, &rel.PersonalNotes)
	if err != nil {
		return Relationship{}, fmt.Errorf("touch relationship: %w", err)
	}
	return rel, nil
}

func (s *PostgresStore) Relationship(ctx context.Context, userID string) (Relationship, error) {
	var rel Relationship
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, first_contact, last_contact, trust_level, shared_memories, personal_notes
		 FROM relationships WHERE user_id=$1`,
		userID,
	).Scan(&rel.UserID, &rel.FirstContact, &rel.LastContact, &rel.TrustLevel, &rel.MemoryCount, &rel.PersonalNotes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Relationship{}, ErrNotFound
	}
	if err != nil {
		return Relationship{}, fmt.Errorf("load relationship: %w", err)
	}
	return rel, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var (
		m    Memory
		meta []byte
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.Importance, &m.EmotionalContext, &m.Timestamp, &meta, &m.Fingerprint, &m.PIIRedacted, &m.CreatedAt); err != nil {
		return Memory{}, err
	}
	md, err := decodeMetadata(meta)
	if err != nil {
		return Memory{}, err
	}
	m.Metadata = md
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func encodeMetadata(meta map[string]any) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	s := string(b)
	return &s, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
