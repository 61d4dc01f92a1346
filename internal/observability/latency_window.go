package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// LatencyStats summarizes the samples currently held for one stage.
type LatencyStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type EventCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []LatencyStats `json:"stages"`
	Events      []EventCount   `json:"events,omitempty"`
}

// LatencyWindow holds the last size samples of each stage, so /api/bot/stats
// can answer without a Prometheus server.
type LatencyWindow struct {
	size int

	mu      sync.Mutex
	samples map[string][]float64
	events  map[string]int
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{size: size, samples: map[string][]float64{}, events: map[string]int{}}
}

func (w *LatencyWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := append(w.samples[stage], ms)
	if len(s) > w.size {
		s = slices.Delete(s, 0, len(s)-w.size)
	}
	w.samples[stage] = s
}

// CountEvent counts a named occurrence such as "fallback".
func (w *LatencyWindow) CountEvent(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.events[name]++
	w.mu.Unlock()
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      []LatencyStats{},
	}
	for _, stage := range slices.Sorted(maps.Keys(w.samples)) {
		if s := w.samples[stage]; len(s) > 0 {
			snap.Stages = append(snap.Stages, summarize(stage, s))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.events)) {
		snap.Events = append(snap.Events, EventCount{Name: name, Count: w.events[name]})
	}
	return snap
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.samples)
	clear(w.events)
}

func summarize(stage string, samples []float64) LatencyStats {
	sorted := slices.Sorted(slices.Values(samples))
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return LatencyStats{
		Stage:   stage,
		Samples: len(sorted),
		LastMS:  round2(samples[len(samples)-1]),
		AvgMS:   round2(sum / float64(len(sorted))),
		P50MS:   round2(percentile(sorted, 0.50)),
		P95MS:   round2(percentile(sorted, 0.95)),
		P99MS:   round2(percentile(sorted, 0.99)),
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
