package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks the backend from databaseURL: postgres:// for pgx,
// sqlite:// or a *.db path for SQLite, empty for in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	lower := strings.ToLower(url)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(lower, "sqlite://"):
		return NewSQLiteStore(ctx, url[len("sqlite://"):])
	case strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return NewSQLiteStore(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL %q", url)
	}
}
