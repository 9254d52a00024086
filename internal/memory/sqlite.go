package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

// SQLiteStore persists memories in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := migrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			importance REAL NOT NULL,
			emotional_context TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			metadata TEXT,
			fingerprint TEXT NOT NULL DEFAULT '',
			pii_redacted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_ts ON memories (user_id, ts DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_user_fingerprint ON memories (user_id, fingerprint) WHERE fingerprint <> '';`,
		`CREATE TABLE IF NOT EXISTS relationships (
			user_id TEXT PRIMARY KEY,
			first_contact INTEGER NOT NULL,
			last_contact INTEGER NOT NULL,
			trust_level REAL NOT NULL DEFAULT 0.5,
			shared_memories INTEGER NOT NULL DEFAULT 0,
			personal_notes TEXT NOT NULL DEFAULT ''
		);`,
		fmt.Sprintf(`PRAGMA user_version = %d;`, sqliteSchemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const sqliteMemoryColumns = `id, user_id, content, importance, emotional_context, ts, metadata, fingerprint, pii_redacted, created_at`

func (s *SQLiteStore) Save(ctx context.Context, m Memory) (Memory, bool, error) {
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (`+sqliteMemoryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		m.ID, m.UserID, m.Content, m.Importance, m.EmotionalContext, m.Timestamp,
		meta, m.Fingerprint, m.PIIRedacted, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Memory{}, false, fmt.Errorf("save memory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		m.CreatedAt = time.UnixMilli(m.CreatedAt.UnixMilli()).UTC()
		return m, true, nil
	}
	if m.Fingerprint == "" {
		return Memory{}, false, fmt.Errorf("save memory: id %s already exists", m.ID)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMemoryColumns+` FROM memories WHERE user_id=? AND fingerprint=?`,
		m.UserID, m.Fingerprint,
	)
	existing, err := scanSQLiteMemory(row)
	if err != nil {
		return Memory{}, false, fmt.Errorf("load existing memory: %w", err)
	}
	return existing, false, nil
}

func (s *SQLiteStore) Recall(ctx context.Context, userID string, q RecallQuery) ([]Memory, error) {
	q = q.Normalize(MaxRecallLimit)

	var (
		where = []string{"user_id = ?", "importance >= ?"}
		args  = []any{userID, q.MinImportance}
	)
	if q.Start != nil {
		where = append(where, "ts >= ?")
		args = append(args, *q.Start)
	}
	if q.End != nil {
		where = append(where, "ts <= ?")
		args = append(args, *q.End)
	}
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMemoryColumns+` FROM memories
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY ts DESC, created_at DESC, rowid DESC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	items := make([]Memory, 0, q.Limit)
	for rows.Next() {
		m, err := scanSQLiteMemory(rows)
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

func (s *SQLiteStore) TouchRelationship(ctx context.Context, userID string, at int64) (Relationship, error) {
	var rel Relationship
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO relationships (user_id, first_contact, last_contact, trust_level, shared_memories)
		 VALUES (?1, ?2, ?2, ?3, 1)
		 ON CONFLICT (user_id) DO UPDATE SET
			last_contact = MAX(relationships.last_contact, excluded.last_contact),
			shared_memories = relationships.shared_memories + 1
		 RETURNING user_id, first_contact, last_contact, trust_level, shared_memories, personal_notes`,
		userID, at, DefaultTrustLevel,
	).Scan(&rel.UserID, &rel.FirstContact, &rel.LastContact, &rel.TrustLevel, &rel.MemoryCount, &rel.PersonalNotes)
	if err != nil {
		return Relationship{}, fmt.Errorf("touch relationship: %w", err)
	}
	return rel, nil
}

func (s *SQLiteStore) Relationship(ctx context.Context, userID string) (Relationship, error) {
	var rel Relationship
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, first_contact, last_contact, trust_level, shared_memories, personal_notes
		 FROM relationships WHERE user_id = ?`,
		userID,
	).Scan(&rel.UserID, &rel.FirstContact, &rel.LastContact, &rel.TrustLevel, &rel.MemoryCount, &rel.PersonalNotes)
	if errors.Is(err, sql.ErrNoRows) {
		return Relationship{}, ErrNotFound
	}
	if err != nil {
		return Relationship{}, fmt.Errorf("load relationship: %w", err)
	}
	return rel, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteMemory(row rowScanner) (Memory, error) {
	var (
		m         Memory
		meta      sql.NullString
		createdMS int64
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.Importance, &m.EmotionalContext, &m.Timestamp, &meta, &m.Fingerprint, &m.PIIRedacted, &createdMS); err != nil {
		return Memory{}, err
	}
	md, err := decodeMetadata([]byte(meta.String))
	if err != nil {
		return Memory{}, err
	}
	m.Metadata = md
	m.CreatedAt = time.UnixMilli(createdMS).UTC()
	return m, nil
}
