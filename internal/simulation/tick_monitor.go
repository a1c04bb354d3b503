package simulation

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const tickWindow = 120

// TickMetricsSnapshot summarises observed server tick durations.
type TickMetricsSnapshot struct {
	Samples int
	Average time.Duration
	Max     time.Duration
	Last    time.Duration
	// Jitter is the standard deviation over the most recent ticks.
	Jitter time.Duration
}

// AverageFPS derives the frames-per-second equivalent of the sampled tick duration.
func (s TickMetricsSnapshot) AverageFPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// TickMonitor accumulates timing statistics for the simulation loop.
type TickMonitor struct {
	mu      sync.Mutex
	samples int
	total   time.Duration
	max     time.Duration
	last    time.Duration
	window  [tickWindow]float64
}

// NewTickMonitor constructs an empty monitor ready to collect samples.
func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// Observe records the duration of a completed simulation tick.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	//1.- Accumulate the sample count and aggregate duration for average calculations.
	m.window[m.samples%tickWindow] = float64(duration)
	m.samples++
	m.total += duration
	//2.- Track the worst-case tick so operators can spot spikes quickly.
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated tick statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	samples := m.samples
	total := m.total
	longest := m.max
	last := m.last
	recent := make([]float64, min(samples, tickWindow))
	copy(recent, m.window[:len(recent)])
	m.mu.Unlock()

	snapshot := TickMetricsSnapshot{Samples: samples, Max: longest, Last: last}
	if samples > 0 {
		snapshot.Average = total / time.Duration(samples)
	}
	if len(recent) > 1 {
		snapshot.Jitter = time.Duration(stat.StdDev(recent, nil))
	}
	return snapshot
}

// Reset clears the accumulated statistics.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples = 0
	m.total = 0
	m.max = 0
	m.last = 0
	m.window = [tickWindow]float64{}
	m.mu.Unlock()
}
