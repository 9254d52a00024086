// Package cache holds the advisory per-user, per-day list of recently
// ingested memories. It is populated only from successful durable writes
// and is never the system of record.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/memorybridge/internal/memory"
)

const DefaultTTL = 24 * time.Hour

// ErrMiss reports that no list exists for the requested day.
var ErrMiss = errors.New("cache: miss")

type Cache interface {
	// Append adds m to the list for its user and capture day.
	Append(ctx context.Context, m memory.Memory) error
	// Recent returns up to limit entries of the day's list, newest first.
	Recent(ctx context.Context, userID string, day time.Time, limit int) ([]memory.Memory, error)
	Ping(ctx context.Context) error
	Mode() string
	Close() error
}

// DayKey formats the UTC capture date of t.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Key is the list key for a user and capture day.
func Key(userID string, day time.Time) string {
	return fmt.Sprintf("memories:%s:%s", userID, DayKey(day))
}

// Nop is used when no cache is configured. Every read misses.
type Nop struct{}

func (Nop) Append(context.Context, memory.Memory) error { return nil }

func (Nop) Recent(context.Context, string, time.Time, int) ([]memory.Memory, error) {
	return nil, ErrMiss
}

func (Nop) Ping(context.Context) error { return nil }

func (Nop) Mode() string { return "disabled" }

func (Nop) Close() error { return nil }
