package networking

import "sync"

// DropReason explains why a frame was not delivered to a client.
type DropReason string

const (
	// DropBandwidth marks a frame skipped because the client exhausted its budget.
	DropBandwidth DropReason = "bandwidth"
	// DropBackpressure marks a frame skipped because the client's queue was full.
	DropBackpressure DropReason = "backpressure"
)

// FrameMetrics tracks payload sizes and drop counters for frame fan-out.
type FrameMetrics struct {
	mu    sync.RWMutex
	bytes map[string]int64
	sent  uint64
	drops map[DropReason]uint64
}

// NewFrameMetrics constructs an empty metrics tracker.
func NewFrameMetrics() *FrameMetrics {
	return &FrameMetrics{
		bytes: make(map[string]int64),
		drops: make(map[DropReason]uint64),
	}
}

// Observe records a delivered frame for a client.
func (m *FrameMetrics) Observe(clientID string, payloadBytes int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if clientID != "" {
		m.bytes[clientID] = int64(max(payloadBytes, 0))
	}
	m.sent++
	m.mu.Unlock()
}

// Drop counts a frame that was skipped for the given reason.
func (m *FrameMetrics) Drop(reason DropReason) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.drops[reason]++
	m.mu.Unlock()
}

// ForgetClient removes the tracked gauge for a disconnected client.
func (m *FrameMetrics) ForgetClient(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	delete(m.bytes, clientID)
	m.mu.Unlock()
}

// BytesPerClient returns a copy of the latest frame size per client.
func (m *FrameMetrics) BytesPerClient() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bytes) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.bytes))
	for clientID, size := range m.bytes {
		out[clientID] = size
	}
	return out
}

// Sent reports how many frames were handed to client queues.
func (m *FrameMetrics) Sent() uint64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sent
}

// DropCounts returns the cumulative number of dropped frames per reason.
func (m *FrameMetrics) DropCounts() map[DropReason]uint64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	out := make(map[DropReason]uint64, len(m.drops))
	for reason, count := range m.drops {
		out[reason] = count
	}
	return out
}
