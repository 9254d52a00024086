// Package agentapi serves the capture agent's local status endpoints.
package agentapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/memorybridge/internal/capture"
	"github.com/antoniostano/memorybridge/internal/delivery"
	"github.com/antoniostano/memorybridge/internal/observability"
)

const (
	DefaultStreamInterval = time.Second

	pingInterval = 30 * time.Second
	readTimeout  = 2 * pingInterval
	writeTimeout = 10 * time.Second
	recentDead   = 10
)

// Queue is the part of the delivery queue the status API reads.
type Queue interface {
	Len() int
	DeadLetterCount() int
	DeadLetters() []delivery.DeadLetter
}

// Status is the payload of GET /status and of every stream frame.
type Status struct {
	capture.Status
	Pending           int                         `json:"pending"`
	DeadLetters       int                         `json:"dead_letters"`
	RecentDeadLetters []delivery.DeadLetter       `json:"recent_dead_letters,omitempty"`
	Stages            observability.StageSnapshot `json:"stages"`
}

type Config struct {
	StreamInterval time.Duration
	// AllowAnyOrigin accepts websocket upgrades from any browser origin.
	AllowAnyOrigin bool
}

type Server struct {
	cfg      Config
	session  *capture.Session
	queue    Queue
	metrics  *observability.CaptureMetrics
	gatherer http.Handler
	upgrader websocket.Upgrader
}

// New builds the status API. metricsHandler serves /metrics; nil disables it.
func New(cfg Config, session *capture.Session, queue Queue, metrics *observability.CaptureMetrics, metricsHandler http.Handler) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = DefaultStreamInterval
	}
	return &Server{
		cfg:      cfg,
		session:  session,
		queue:    queue,
		metrics:  metrics,
		gatherer: metricsHandler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/status/ws", s.handleStatusWS)
	if s.gatherer != nil {
		r.Handle("/metrics", s.gatherer)
	}
	return r
}

// Snapshot assembles the current status.
func (s *Server) Snapshot() Status {
	st := Status{
		Status: s.session.Status(),
		Stages: s.metrics.StageSnapshot(),
	}
	if s.queue != nil {
		st.Pending = s.queue.Len()
		st.DeadLetters = s.queue.DeadLetterCount()
		dead := s.queue.DeadLetters()
		if len(dead) > recentDead {
			dead = dead[len(dead)-recentDead:]
		}
		st.RecentDeadLetters = dead
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Snapshot())
}

// changeKey identifies a status for change detection. Scan counts and
// stage timings are left out so an idle agent does not stream.
type changeKey struct {
	active       bool
	messageCount int
	lastCapture  time.Time
	forwarded    int64
	filtered     int64
	pending      int
	deadLetters  int
}

func keyOf(st Status) changeKey {
	k := changeKey{
		active:       st.Active,
		messageCount: st.MessageCount,
		forwarded:    st.Forwarded,
		filtered:     st.Filtered,
		pending:      st.Pending,
		deadLetters:  st.DeadLetters,
	}
	if st.LastCapture != nil {
		k.lastCapture = *st.LastCapture
	}
	return k
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4 << 10)
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var last changeKey
	first := true
	send := func() bool {
		st := s.Snapshot()
		k := keyOf(st)
		if !first && k == last {
			return true
		}
		first, last = false, k
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(st); err != nil {
			log.Debug().Err(err).Msg("status stream write failed")
			return false
		}
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case <-ticker.C:
			if !send() {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
