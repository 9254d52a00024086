package observability

import (
	"math"
	"sort"
	"sync"
)

// stageBudgetsMS are the p95 latencies the agent aims for per stage.
var stageBudgetsMS = map[string]float64{
	"scan":    50,
	"deliver": 1000,
	"drain":   5000,
}

type StageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget bool    `json:"over_budget,omitempty"`
}

// StageSnapshot is the latency and event view served by the status API.
type StageSnapshot struct {
	WindowSize int            `json:"window_size"`
	Stages     []StageStats   `json:"stages"`
	Events     map[string]int `json:"events,omitempty"`
}

// StageWindow keeps the most recent latency samples of each capture stage
// (scan, deliver, drain) and counts pipeline events such as filtered
// messages and dead letters.
type StageWindow struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*ring
	events map[string]int
}

type ring struct {
	samples []float64
	total   int
}

func (r *ring) add(v float64) {
	r.samples[r.total%len(r.samples)] = v
	r.total++
}

// values returns the retained samples and the most recent one.
func (r *ring) values() ([]float64, float64) {
	n := min(r.total, len(r.samples))
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out, r.samples[(r.total-1)%len(r.samples)]
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	return &StageWindow{
		size:   size,
		rings:  make(map[string]*ring),
		events: make(map[string]int),
	}
}

// Observe records one latency sample in milliseconds.
func (w *StageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{samples: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

// Count increments an event counter.
func (w *StageWindow) Count(event string) {
	if w == nil || event == "" {
		return
	}
	w.mu.Lock()
	w.events[event]++
	w.mu.Unlock()
}

func (w *StageWindow) Snapshot() StageSnapshot {
	if w == nil {
		return StageSnapshot{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{WindowSize: w.size, Stages: make([]StageStats, 0, len(w.rings))}
	for stage, r := range w.rings {
		samples, last := r.values()
		sort.Float64s(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		st := StageStats{
			Stage:    stage,
			Samples:  len(samples),
			LastMS:   round2(last),
			AvgMS:    round2(sum / float64(len(samples))),
			P50MS:    round2(nearestRank(samples, 0.50)),
			P95MS:    round2(nearestRank(samples, 0.95)),
			BudgetMS: stageBudgetsMS[stage],
		}
		st.OverBudget = st.BudgetMS > 0 && st.P95MS > st.BudgetMS
		snap.Stages = append(snap.Stages, st)
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	if len(w.events) > 0 {
		snap.Events = make(map[string]int, len(w.events))
		for k, v := range w.events {
			snap.Events[k] = v
		}
	}
	return snap
}

// nearestRank returns the q-th percentile of sorted samples.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(idx, 0)]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
