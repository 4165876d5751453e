package observability

import (
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage names recorded in the rolling latency window.
const (
	StageFirstDelta     = "request_to_first_delta"
	StageFirstSpeech    = "request_to_first_speech"
	StageRemoteSynth    = "remote_synthesis"
	StageTranscription  = "transcription"
	StageTurnTotal      = "turn_total"
	IndicatorFallback   = "speech_fallback"
	defaultStageSamples = 256
)

// stageTargets are p95 budgets in milliseconds; stages without one report 0.
var stageTargets = map[string]float64{
	StageFirstDelta:    1200,
	StageFirstSpeech:   2500,
	StageRemoteSynth:   900,
	StageTranscription: 1500,
	StageTurnTotal:     8000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window above the stage budget.
	OverTarget int `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot is the payload of /v1/perf/latency.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// ring keeps the newest samples of one stage.
type ring struct {
	buf  []float64
	head int
	size int
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) latest() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func (r *ring) values() []float64 {
	out := make([]float64, 0, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

type stageWindow struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring
	counts   map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = defaultStageSamples
	}
	w := &stageWindow{capacity: capacity}
	w.clear()
	return w
}

func (w *stageWindow) clear() {
	w.rings = map[string]*ring{}
	w.counts = map[string]int{}
}

func (w *stageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &ring{buf: make([]float64, w.capacity)}
		w.rings[stage] = r
	}
	r.push(float64(d) / float64(time.Millisecond))
}

func (w *stageWindow) Count(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.clear()
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		r := w.rings[stage]
		if r.size == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, r))
	}
	for _, name := range sortedKeys(w.counts) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.counts[name]})
	}
	return snap
}

func summarize(stage string, r *ring) TurnStageStats {
	vals := r.values()
	slices.Sort(vals)
	target := stageTargets[stage]
	var sum float64
	over := 0
	for _, v := range vals {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(vals),
		LastMS:      round2(r.latest()),
		AvgMS:       round2(sum / float64(len(vals))),
		P50MS:       round2(interpolate(vals, 0.50)),
		P95MS:       round2(interpolate(vals, 0.95)),
		P99MS:       round2(interpolate(vals, 0.99)),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// interpolate reads quantile q from ascending values with linear interpolation.
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
