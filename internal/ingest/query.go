package ingest

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antoniostano/memorybridge/internal/memory"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts RFC3339, a bare date or date-time (UTC), or unix
// milliseconds, and returns unix milliseconds.
func ParseTime(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli(), nil
		}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, invalid("unrecognised time %q", raw)
	}
	return ms, nil
}

// ParseRecallQuery reads limit, start_date, end_date and min_importance.
// A bare end_date covers the whole day.
func ParseRecallQuery(v url.Values, maxLimit int) (memory.RecallQuery, error) {
	var q memory.RecallQuery

	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, invalid("limit must be a positive integer")
		}
		q.Limit = n
	}
	if raw := strings.TrimSpace(v.Get("start_date")); raw != "" {
		ms, err := ParseTime(raw)
		if err != nil {
			return q, err
		}
		q.Start = &ms
	}
	if raw := strings.TrimSpace(v.Get("end_date")); raw != "" {
		ms, err := ParseTime(raw)
		if err != nil {
			return q, err
		}
		if _, dateOnly := time.Parse("2006-01-02", raw); dateOnly == nil {
			ms += int64(24*time.Hour/time.Millisecond) - 1
		}
		q.End = &ms
	}
	if q.Start != nil && q.End != nil && *q.Start > *q.End {
		return q, invalid("start_date is after end_date")
	}
	if raw := strings.TrimSpace(v.Get("min_importance")); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || f < 0 || f > 1 {
			return q, invalid("min_importance must be between 0 and 1")
		}
		q.MinImportance = f
	}
	return q.Normalize(maxLimit), nil
}
