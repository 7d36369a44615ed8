package job

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Metrics tracks coordinator run outcomes for the KPI report.
type Metrics struct {
	mu           sync.Mutex
	latencies    []time.Duration
	successCount int
	failureCount int
}

func (m *Metrics) record(result Status, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch result {
	case StatusCompleted:
		m.successCount++
		if latency > 0 {
			m.latencies = append(m.latencies, latency)
		}
	case StatusFailed:
		m.failureCount++
	}
}

// Snapshot returns the success rate, p95 latency in milliseconds and the
// failure count.
func (m *Metrics) Snapshot() (successRate float64, p95 float64, failures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.successCount + m.failureCount
	if total > 0 {
		successRate = float64(m.successCount) / float64(total)
	}
	failures = m.failureCount
	if len(m.latencies) > 0 {
		durations := append([]time.Duration(nil), m.latencies...)
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		index := int(math.Round(0.95 * float64(len(durations)-1)))
		p95 = float64(durations[index].Milliseconds())
	}
	return successRate, p95, failures
}
