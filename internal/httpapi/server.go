package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/memorybridge/internal/config"
	"github.com/antoniostano/memorybridge/internal/ingest"
	"github.com/antoniostano/memorybridge/internal/memory"
)

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("empty request body")

type Server struct {
	cfg     config.Config
	service *ingest.Service
	metrics http.Handler
}

// New builds the ingestion API. metrics serves /metrics; nil disables it.
func New(cfg config.Config, service *ingest.Service, metrics http.Handler) *Server {
	return &Server{cfg: cfg, service: service, metrics: metrics}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if s.cfg.AllowAnyOrigin {
		// The in-page capture agent posts from any chat origin.
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"message": "Memory bridge ingestion API is running"})
	})
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Post("/remember", s.handleRemember)
	r.Get("/recall/{user_id}", s.handleRecall)
	r.Get("/recent/{user_id}", s.handleRecent)
	r.Get("/relationship/{user_id}", s.handleRelationship)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type memoriesResponse struct {
	UserID   string          `json:"user_id"`
	Memories []memory.Memory `json:"memories"`
	Count    int             `json:"count"`
	Source   string          `json:"source,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Health(r.Context()))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	h := s.service.Health(r.Context())
	status := http.StatusOK
	if h.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, h)
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req ingest.RememberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, string(ingest.CodeInvalidRequest), "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, string(ingest.CodeInvalidRequest), err.Error())
		return
	}
	res, err := s.service.Remember(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	q, err := ingest.ParseRecallQuery(r.URL.Query(), s.service.MaxRecallLimit())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	items, err := s.service.Recall(r.Context(), userID, q)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, memoriesResponse{UserID: userID, Memories: nonNil(items), Count: len(items)})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, string(ingest.CodeInvalidRequest), "limit must be a positive integer")
			return
		}
		limit = n
	}
	res, err := s.service.Recent(r.Context(), userID, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, memoriesResponse{
		UserID:   userID,
		Memories: nonNil(res.Memories),
		Count:    len(res.Memories),
		Source:   res.Source,
	})
}

func (s *Server) handleRelationship(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	rel, found, err := s.service.Relationship(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !found {
		respondJSON(w, http.StatusOK, map[string]string{"message": "No relationship found", "user_id": userID})
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

func nonNil(items []memory.Memory) []memory.Memory {
	if items == nil {
		return []memory.Memory{}
	}
	return items
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondServiceError(w http.ResponseWriter, err error) {
	e := ingest.AsError(err)
	respondError(w, e.Status, string(e.Code), e.Message)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		evt := log.Debug()
		if status >= http.StatusInternalServerError {
			evt = log.Warn()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
