package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/antoniostano/memorybridge/internal/annotate"
	"github.com/antoniostano/memorybridge/internal/observability"
)

const (
	DefaultInterval = 3 * time.Second
	// Content at or below this many characters is never forwarded.
	MinContentLength = 5

	TriggerInitial  = "initial"
	TriggerTick     = "tick"
	TriggerMutation = "mutation"
	TriggerManual   = "manual"
)

// ErrUnlicensed is returned by Run when the license gate rejects startup.
var ErrUnlicensed = errors.New("capture: no valid license")

// Source yields snapshots of the observed page and signals when new
// message-shaped nodes may have been inserted.
type Source interface {
	Snapshot(ctx context.Context) (*Document, error)
	Mutations() <-chan struct{}
}

// Forwarder accepts annotated messages for delivery. A nil error means the
// message reached the store.
type Forwarder interface {
	Forward(ctx context.Context, msg Message) error
}

type LicenseChecker interface {
	CheckLicense(ctx context.Context) (bool, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

type SchedulerConfig struct {
	Interval  time.Duration
	Selectors []Selector
	Markers   annotate.HistoryMarkers
	Roles     RoleChain
	Now       func() time.Time
}

// Scheduler runs the capture loop for one Session.
type Scheduler struct {
	cfg       SchedulerConfig
	session   *Session
	source    Source
	forwarder Forwarder
	extractor *Extractor
	license   LicenseChecker
	health    HealthChecker
	metrics   *observability.CaptureMetrics
}

// ScanResult summarises one capture tick.
type ScanResult struct {
	Observed  int
	Extracted int
	Forwarded int
	Filtered  int
	Replay    bool
}

func NewScheduler(cfg SchedulerConfig, session *Session, source Source, forwarder Forwarder, metrics *observability.CaptureMetrics) (*Scheduler, error) {
	if session == nil || source == nil || forwarder == nil {
		return nil, fmt.Errorf("capture: session, source and forwarder are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if len(cfg.Selectors) == 0 {
		sels, err := ParseSelectors(DefaultSelectors)
		if err != nil {
			return nil, err
		}
		cfg.Selectors = sels
	}
	if len(cfg.Markers.Preamble) == 0 && len(cfg.Markers.Lines) == 0 && len(cfg.Markers.Patterns) == 0 {
		cfg.Markers = annotate.DefaultHistoryMarkers()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:       cfg,
		session:   session,
		source:    source,
		forwarder: forwarder,
		extractor: NewExtractor(cfg.Roles, cfg.Now),
		metrics:   metrics,
	}, nil
}

// WithLicense installs the startup license gate.
func (s *Scheduler) WithLicense(l LicenseChecker) *Scheduler {
	s.license = l
	return s
}

// WithHealth installs the advisory startup health probe.
func (s *Scheduler) WithHealth(h HealthChecker) *Scheduler {
	s.health = h
	return s
}

func (s *Scheduler) Session() *Session {
	return s.session
}

// Run checks the license once, probes health, scans immediately and then on
// every tick or mutation signal until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.license != nil {
		ok, err := s.license.CheckLicense(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("license check failed")
		}
		if !ok {
			return ErrUnlicensed
		}
	}
	if s.health != nil {
		if err := s.health.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("ingestion service health probe failed; capturing anyway")
		} else {
			log.Debug().Msg("ingestion service healthy")
		}
	}

	s.session.setActive(true)
	defer s.session.setActive(false)
	log.Info().Str("user_id", s.session.UserID()).Dur("interval", s.cfg.Interval).Msg("capture active")

	s.scanAndLog(ctx, TriggerInitial)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	mutations := s.source.Mutations()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scanAndLog(ctx, TriggerTick)
		case _, ok := <-mutations:
			if !ok {
				mutations = nil
				continue
			}
			s.scanAndLog(ctx, TriggerMutation)
		}
	}
}

func (s *Scheduler) scanAndLog(ctx context.Context, trigger string) {
	res, err := s.Scan(ctx, trigger)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("trigger", trigger).Msg("capture scan failed")
		}
		return
	}
	if res.Forwarded > 0 || res.Replay {
		log.Debug().
			Str("trigger", trigger).
			Int("observed", res.Observed).
			Int("forwarded", res.Forwarded).
			Int("filtered", res.Filtered).
			Bool("replay", res.Replay).
			Msg("capture scan")
	}
}

// Scan performs one capture tick. Cursor and dedup updates are committed
// under the session lock before any message is forwarded.
func (s *Scheduler) Scan(ctx context.Context, trigger string) (ScanResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveScan(trigger, time.Since(started)) }()

	doc, err := s.source.Snapshot(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("snapshot: %w", err)
	}
	nodes := doc.Messages(s.cfg.Selectors)

	res := ScanResult{Observed: len(nodes)}
	batch := s.collect(nodes, &res)

	for _, msg := range batch {
		if err := s.forwarder.Forward(ctx, msg); err != nil {
			log.Debug().Err(err).Str("fingerprint", msg.Fingerprint).Msg("message queued for redelivery")
			continue
		}
		s.session.MarkCaptured(s.cfg.Now())
	}
	return res, nil
}

func (s *Scheduler) collect(nodes []*html.Node, res *ScanResult) []Message {
	sess := s.session
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.scans++
	total := len(nodes)
	if total == 0 || total <= sess.lastProcessed {
		return nil
	}

	if sess.lastProcessed == 0 && s.cfg.Markers.IsPreamble(Text(nodes[0])) {
		sess.lastProcessed = total
		res.Replay = true
		s.metrics.ObserveFiltered("replay")
		return nil
	}

	var batch []Message
	for i := sess.lastProcessed; i < total; i++ {
		msg, ok := s.extractor.Extract(nodes[i], i, sess.dedup)
		if !ok {
			continue
		}
		res.Extracted++
		if utf8.RuneCountInString(msg.Content) <= MinContentLength {
			res.Filtered++
			s.metrics.ObserveFiltered("short")
			continue
		}
		if s.cfg.Markers.IsHistoryLine(msg.Content) {
			res.Filtered++
			s.metrics.ObserveFiltered("history")
			continue
		}
		a := annotate.Annotate(msg.Content)
		msg.Importance = a.Importance
		msg.EmotionalContext = a.EmotionalContext
		batch = append(batch, msg)
	}
	sess.lastProcessed = total
	sess.forwarded += int64(len(batch))
	sess.filtered += int64(res.Filtered)
	res.Forwarded = len(batch)
	s.metrics.ObserveForwarded(len(batch))
	return batch
}
