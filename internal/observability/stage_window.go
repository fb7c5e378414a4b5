package observability

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// Session stages reported on /v1/perf/latency.
const (
	StageUploadRoundtrip      = "upload_roundtrip"
	StageStopToFirstReply     = "stop_to_first_reply"
	StageCaptureToFingerprint = "capture_to_fingerprint"
	StageSessionTotal         = "session_total"
)

// p95 budgets in milliseconds; stages without one report 0.
var stageBudgetsMS = map[string]float64{
	StageUploadRoundtrip:      4000,
	StageStopToFirstReply:     8000,
	StageCaptureToFingerprint: 150,
}

// StageStats summarises the retained samples of one stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// Indicator counts a discrete event such as a skipped tick.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent samples per stage in fixed-size rings.
type stageWindow struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring
	counts   map[string]int
}

type ring struct {
	samples []float64
	head    int
	last    float64
}

func (r *ring) push(v float64, capacity int) {
	r.last = v
	if len(r.samples) < capacity {
		r.samples = append(r.samples, v)
		return
	}
	r.samples[r.head] = v
	r.head = (r.head + 1) % capacity
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity: capacity,
		rings:    map[string]*ring{},
		counts:   map[string]int{},
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &ring{}
		w.rings[stage] = r
	}
	r.push(ms, w.capacity)
}

func (w *stageWindow) ObserveIndicator(name string) {
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		r := w.rings[stage]
		if len(r.samples) == 0 {
			continue
		}
		sorted := slices.Clone(r.samples)
		sort.Float64s(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(sorted),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(sorted))),
			P50MS:       round2(interpolate(sorted, 0.50)),
			P95MS:       round2(interpolate(sorted, 0.95)),
			P99MS:       round2(interpolate(sorted, 0.99)),
			TargetP95MS: stageBudgetsMS[stage],
		})
	}
	for _, name := range sortedKeys(w.counts) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.counts[name]})
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// interpolate returns the q-quantile of sorted using linear interpolation
// between the closest ranks.
func interpolate(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
