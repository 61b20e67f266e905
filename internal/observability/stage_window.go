package observability

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// stageBudgets are the p95 latency budgets for IAM round trips as seen from
// the terminal.
var stageBudgets = map[string]time.Duration{
	"session_start":      800 * time.Millisecond,
	"credential_refresh": 500 * time.Millisecond,
	"session_status":     400 * time.Millisecond,
	"approval_notify":    time.Second,
	"approval_status":    400 * time.Millisecond,
	"settlement":         2 * time.Second,
	"wallet":             500 * time.Millisecond,
}

// StageStats summarises the samples currently in one stage's window.
type StageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type ErrorCount struct {
	Operation string `json:"operation"`
	Count     int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	WindowSize   int          `json:"window_size"`
	Stages       []StageStats `json:"stages"`
	RemoteErrors []ErrorCount `json:"remote_errors,omitempty"`
}

// stageWindow keeps the most recent latencies of each remote stage plus a
// running count of remote errors per operation.
type stageWindow struct {
	mu      sync.Mutex
	size    int
	samples map[string][]time.Duration
	errors  map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:    size,
		samples: make(map[string][]time.Duration),
		errors:  make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := append(w.samples[stage], d)
	if len(buf) > w.size {
		buf = buf[len(buf)-w.size:]
	}
	w.samples[stage] = buf
}

func (w *stageWindow) ObserveError(operation string) {
	if operation == "" {
		return
	}
	w.mu.Lock()
	w.errors[operation]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot(now time.Time) StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	for stage, buf := range w.samples {
		if len(buf) == 0 {
			continue
		}
		sorted := slices.Clone(buf)
		slices.Sort(sorted)

		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		stats := StageStats{
			Stage:   stage,
			Samples: len(sorted),
			AvgMS:   millis(sum / time.Duration(len(sorted))),
			P50MS:   millis(nearestRank(sorted, 0.50)),
			P95MS:   millis(nearestRank(sorted, 0.95)),
			MaxMS:   millis(sorted[len(sorted)-1]),
		}
		if budget, ok := stageBudgets[stage]; ok {
			stats.BudgetMS = millis(budget)
			stats.OverBudget = len(sorted) - sort.Search(len(sorted), func(i int) bool { return sorted[i] > budget })
		}
		snap.Stages = append(snap.Stages, stats)
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for op, n := range w.errors {
		snap.RemoteErrors = append(snap.RemoteErrors, ErrorCount{Operation: op, Count: n})
	}
	sort.Slice(snap.RemoteErrors, func(i, j int) bool { return snap.RemoteErrors[i].Operation < snap.RemoteErrors[j].Operation })
	return snap
}

// nearestRank expects sorted input.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
