// Package delivery forwards captured messages to the ingestion service and
// retries the ones that fail.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/memorybridge/internal/capture"
	"github.com/antoniostano/memorybridge/internal/observability"
	"github.com/antoniostano/memorybridge/internal/reliability"
)

const (
	DefaultDrainInterval = 30 * time.Second
	DefaultMaxAttempts   = 20
	DefaultMaxBackoff    = 10 * time.Minute
	DefaultDeadLetterCap = 256

	finalDrainTimeout = 5 * time.Second
)

var (
	// ErrQueued reports that the first attempt failed and the message
	// waits for a later drain.
	ErrQueued = errors.New("delivery: queued for retry")
	// ErrDeadLettered reports that the message was abandoned.
	ErrDeadLettered = errors.New("delivery: dead-lettered")
)

// Sender performs one delivery attempt.
type Sender interface {
	Remember(ctx context.Context, msg capture.Message) error
}

type QueueConfig struct {
	DrainInterval time.Duration
	MaxAttempts   int
	MaxBackoff    time.Duration
	DeadLetterCap int
	Now           func() time.Time
	// OnDelivered is called after a queued message is redelivered by a
	// drain. Inline deliveries are reported by Forward's nil error instead.
	OnDelivered func(capture.Message)
}

// DeadLetter is a message the queue gave up on.
type DeadLetter struct {
	Message  capture.Message `json:"message"`
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason"`
	At       time.Time       `json:"at"`
}

type pending struct {
	msg         capture.Message
	attempts    int
	nextAttempt time.Time
}

// DrainResult summarises one drain.
type DrainResult struct {
	Attempted    int
	Delivered    int
	Requeued     int
	Deferred     int
	DeadLettered int
}

// Queue buffers messages whose delivery failed and retries them on a fixed
// cadence. Items enqueued while a drain runs wait for the next drain.
type Queue struct {
	cfg     QueueConfig
	sender  Sender
	metrics *observability.CaptureMetrics

	mu    sync.Mutex
	items []*pending
	dead  []DeadLetter
	deadN int

	wg sync.WaitGroup
}

func NewQueue(sender Sender, cfg QueueConfig, metrics *observability.CaptureMetrics) *Queue {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.DeadLetterCap <= 0 {
		cfg.DeadLetterCap = DefaultDeadLetterCap
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{cfg: cfg, sender: sender, metrics: metrics}
}

// Forward makes the first delivery attempt inline. On a retryable failure
// the message is queued and the returned error wraps ErrQueued; on a
// permanent failure it wraps ErrDeadLettered.
func (q *Queue) Forward(ctx context.Context, msg capture.Message) error {
	p := &pending{msg: msg}
	err := q.attempt(ctx, p)
	if err == nil {
		return nil
	}
	if q.fail(p, err, q.cfg.Now()) {
		return fmt.Errorf("%w: %v", ErrDeadLettered, err)
	}
	q.mu.Lock()
	q.items = append(q.items, p)
	n := len(q.items)
	q.mu.Unlock()
	q.metrics.SetQueueLength(n)
	return fmt.Errorf("%w: %v", ErrQueued, err)
}

// Enqueue adds msg for the next drain without attempting it.
func (q *Queue) Enqueue(msg capture.Message) {
	q.mu.Lock()
	q.items = append(q.items, &pending{msg: msg})
	n := len(q.items)
	q.mu.Unlock()
	q.metrics.SetQueueLength(n)
}

// Drain attempts every due item in a snapshot of the queue.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	return q.drain(ctx, false)
}

func (q *Queue) drain(ctx context.Context, force bool) DrainResult {
	q.mu.Lock()
	snapshot := q.items
	q.items = nil
	q.mu.Unlock()

	var res DrainResult
	if len(snapshot) == 0 {
		return res
	}

	started := time.Now()
	now := q.cfg.Now()
	requeue := make([]*pending, 0, len(snapshot))
	for _, p := range snapshot {
		if ctx.Err() != nil || (!force && now.Before(p.nextAttempt)) {
			res.Deferred++
			requeue = append(requeue, p)
			continue
		}
		res.Attempted++
		err := q.attempt(ctx, p)
		if err == nil {
			res.Delivered++
			if q.cfg.OnDelivered != nil {
				q.cfg.OnDelivered(p.msg)
			}
			continue
		}
		if q.fail(p, err, now) {
			res.DeadLettered++
			continue
		}
		res.Requeued++
		requeue = append(requeue, p)
	}

	q.mu.Lock()
	q.items = append(requeue, q.items...)
	n := len(q.items)
	q.mu.Unlock()

	q.metrics.SetQueueLength(n)
	q.metrics.ObserveDrain(time.Since(started))
	if res.Attempted > 0 {
		log.Debug().
			Int("attempted", res.Attempted).
			Int("delivered", res.Delivered).
			Int("requeued", res.Requeued).
			Int("dead_lettered", res.DeadLettered).
			Int("pending", n).
			Msg("delivery drain")
	}
	return res
}

func (q *Queue) attempt(ctx context.Context, p *pending) error {
	started := time.Now()
	p.attempts++
	err := q.sender.Remember(ctx, p.msg)
	switch {
	case err == nil:
		q.metrics.ObserveDelivery("ok", time.Since(started))
	case reliability.IsRetryable(err):
		q.metrics.ObserveDelivery("retry", time.Since(started))
	default:
		q.metrics.ObserveDelivery("rejected", time.Since(started))
	}
	return err
}

// fail records a failed attempt and schedules the retry. It reports true
// when the item was dead-lettered instead.
func (q *Queue) fail(p *pending, err error, now time.Time) bool {
	switch {
	case errors.Is(err, context.Canceled):
		// Interrupted by shutdown, not rejected.
		p.nextAttempt = time.Time{}
		return false
	case !reliability.IsRetryable(err):
		q.deadLetter(p, "rejected: "+err.Error(), now)
		return true
	case p.attempts >= q.cfg.MaxAttempts:
		q.deadLetter(p, fmt.Sprintf("gave up after %d attempts: %v", p.attempts, err), now)
		return true
	}
	// The first two failures retry on the very next drain; later ones back
	// off exponentially from the drain interval.
	if p.attempts <= 1 {
		p.nextAttempt = time.Time{}
	} else {
		p.nextAttempt = now.Add(reliability.ExponentialBackoff(p.attempts-2, q.cfg.DrainInterval, q.cfg.MaxBackoff))
	}
	return false
}

func (q *Queue) deadLetter(p *pending, reason string, now time.Time) {
	dl := DeadLetter{Message: p.msg, Attempts: p.attempts, Reason: reason, At: now}
	q.mu.Lock()
	if len(q.dead) < q.cfg.DeadLetterCap {
		q.dead = append(q.dead, dl)
	} else {
		q.dead[q.deadN%q.cfg.DeadLetterCap] = dl
	}
	q.deadN++
	q.mu.Unlock()

	q.metrics.ObserveDeadLetter()
	log.Warn().
		Str("fingerprint", p.msg.Fingerprint).
		Int("attempts", p.attempts).
		Str("reason", reason).
		Msg("delivery abandoned")
}

// Len returns the number of messages waiting for redelivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetters returns the retained dead letters, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deadN <= len(q.dead) {
		return append([]DeadLetter(nil), q.dead...)
	}
	start := q.deadN % len(q.dead)
	out := make([]DeadLetter, 0, len(q.dead))
	out = append(out, q.dead[start:]...)
	return append(out, q.dead[:start]...)
}

// DeadLetterCount returns the total number of abandoned messages.
func (q *Queue) DeadLetterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deadN
}

// Start runs the drain loop in a goroutine until ctx is done. On shutdown
// every pending item gets one final attempt; anything still pending
// afterwards is lost.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		_ = q.Run(ctx)
	}()
}

// Run is the blocking form of Start.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalDrainTimeout)
			q.drain(final, true)
			cancel()
			if n := q.Len(); n > 0 {
				log.Warn().Int("pending", n).Msg("delivery queue stopped with undelivered messages")
			}
			return nil
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

// Wait blocks until the loop started by Start has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}
