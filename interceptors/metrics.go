package interceptors

import (
	"sort"
	"sync"
	"time"
)

// ActionMetrics is an in-memory MetricsCollector
type ActionMetrics struct {
	mu      sync.RWMutex
	actions map[string]*actionStats
}

type actionStats struct {
	count  int64
	timed  int64
	errors map[string]int64
	total  time.Duration
	min    time.Duration
	max    time.Duration
}

// ActionSnapshot is a point-in-time view of one action's counters
type ActionSnapshot struct {
	Action string           `json:"action"`
	Count  int64            `json:"count"`
	Errors map[string]int64 `json:"errors,omitempty"`
	AvgMs  float64          `json:"avg_ms"`
	MinMs  int64            `json:"min_ms"`
	MaxMs  int64            `json:"max_ms"`
}

// NewActionMetrics creates an empty collector
func NewActionMetrics() *ActionMetrics {
	return &ActionMetrics{actions: make(map[string]*actionStats)}
}

func (m *ActionMetrics) statsLocked(action string) *actionStats {
	s, ok := m.actions[action]
	if !ok {
		s = &actionStats{errors: make(map[string]int64)}
		m.actions[action] = s
	}
	return s
}

// IncrementActionCount implements MetricsCollector
func (m *ActionMetrics) IncrementActionCount(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsLocked(action).count++
}

// RecordProcessingTime implements MetricsCollector
func (m *ActionMetrics) RecordProcessingTime(action string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.statsLocked(action)
	if s.timed == 0 || duration < s.min {
		s.min = duration
	}
	if duration > s.max {
		s.max = duration
	}
	s.total += duration
	s.timed++
}

// IncrementErrorCount implements MetricsCollector
func (m *ActionMetrics) IncrementErrorCount(action, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsLocked(action).errors[code]++
}

// Snapshot returns the counters of every action seen, sorted by name
func (m *ActionMetrics) Snapshot() []ActionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ActionSnapshot, 0, len(m.actions))
	for name, s := range m.actions {
		snap := ActionSnapshot{
			Action: name,
			Count:  s.count,
			MinMs:  s.min.Milliseconds(),
			MaxMs:  s.max.Milliseconds(),
		}
		if s.timed > 0 {
			snap.AvgMs = float64(s.total.Milliseconds()) / float64(s.timed)
		}
		if len(s.errors) > 0 {
			snap.Errors = make(map[string]int64, len(s.errors))
			for code, n := range s.errors {
				snap.Errors[code] = n
			}
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// Reset clears all counters
func (m *ActionMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = make(map[string]*actionStats)
}
