package capture

import (
	"sync"
	"time"
)

// Session holds the per-page capture state: the processed-count cursor, the
// dedup index and coarse status counters. Scans lock it for their
// synchronous part so concurrent triggers observe a consistent cursor.
type Session struct {
	mu            sync.Mutex
	userID        string
	lastProcessed int
	dedup         *DedupIndex
	active        bool
	lastCapture   time.Time
	scans         int64
	forwarded     int64
	filtered      int64
}

func NewSession(userID string, dedupCapacity int) *Session {
	return &Session{
		userID: userID,
		dedup:  NewDedupIndex(dedupCapacity),
	}
}

// Status is the coarse snapshot exposed to status queries.
type Status struct {
	Active       bool       `json:"active"`
	UserID       string     `json:"user_id"`
	MessageCount int        `json:"message_count"`
	LastCapture  *time.Time `json:"last_capture,omitempty"`
	Scans        int64      `json:"scans"`
	Forwarded    int64      `json:"forwarded"`
	Filtered     int64      `json:"filtered"`
	DedupSize    int        `json:"dedup_size"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Active:       s.active,
		UserID:       s.userID,
		MessageCount: s.lastProcessed,
		Scans:        s.scans,
		Forwarded:    s.forwarded,
		Filtered:     s.filtered,
		DedupSize:    s.dedup.Len(),
	}
	if !s.lastCapture.IsZero() {
		t := s.lastCapture
		st.LastCapture = &t
	}
	return st
}

func (s *Session) UserID() string {
	return s.userID
}

// LastProcessed returns the cursor.
func (s *Session) LastProcessed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessed
}

// Reset clears the cursor and dedup index, as a full page reload does.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProcessed = 0
	s.dedup.Reset()
}

func (s *Session) setActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// MarkCaptured records that a message reached the store at at. Older
// times are ignored.
func (s *Session) MarkCaptured(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastCapture) {
		s.lastCapture = at
	}
	s.mu.Unlock()
}
