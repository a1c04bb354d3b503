package input

import (
	"sync"
	"time"

	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/simulation"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

type clockFunc func() time.Time

// Now implements Clock for functional adapters.
func (c clockFunc) Now() time.Time { return c() }

// ClockFunc adapts a plain function to the Clock interface.
func ClockFunc(fn func() time.Time) Clock {
	if fn == nil {
		return systemClock{}
	}
	return clockFunc(fn)
}

// systemClock relies on time.Now for production code paths.
type systemClock struct{}

// Now implements Clock by delegating to time.Now.
func (systemClock) Now() time.Time { return time.Now() }

// Config controls the freshness and throughput gates applied to client commands.
type Config struct {
	// MaxAge drops commands whose capture timestamp is older than this.
	MaxAge time.Duration
	// MinInterval spaces consecutive pointer samples from one client.
	MinInterval time.Duration
	// Cooldown spaces repeated discrete commands of the same kind.
	Cooldown time.Duration
}

// DefaultConfig matches a 120 Hz pointer and a quarter second between palette or reset requests.
var DefaultConfig = Config{
	MaxAge:      500 * time.Millisecond,
	MinInterval: time.Second / 120,
	Cooldown:    250 * time.Millisecond,
}

// DropReason enumerates why a command was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonStale       DropReason = "stale"
	DropReasonRateLimited DropReason = "rate_limit"
	DropReasonCooldown    DropReason = "cooldown"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a command passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
	Delay    time.Duration
}

// Frame captures the metadata required to gate one client command.
type Frame struct {
	ClientID   string
	SequenceID uint64
	SentAt     time.Time
	Kind       simulation.CommandKind
	// Active is false for a pointer leaving the canvas.
	Active bool
}

// FrameFor extracts gate metadata from a parsed command.
func FrameFor(clientID string, cmd simulation.Command) Frame {
	frame := Frame{ClientID: clientID, SequenceID: cmd.Sequence, Kind: cmd.Kind, Active: cmd.Active}
	if cmd.SentAtMs > 0 {
		frame.SentAt = time.UnixMilli(cmd.SentAtMs)
	}
	return frame
}

type clientState struct {
	lastSequence uint64
	lastPointer  time.Time
	lastDiscrete map[simulation.CommandKind]time.Time
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	Stale       uint64 `json:"stale"`
	RateLimited uint64 `json:"rate_limited"`
	Cooldown    uint64 `json:"cooldown"`
}

// Metrics stores per-client drop counters for diagnostics.
type Metrics struct {
	mu    sync.RWMutex
	drops map[string]DropCounters
}

// NewMetrics provisions an empty metrics container that several gates may share.
func NewMetrics() *Metrics {
	return &Metrics{drops: make(map[string]DropCounters)}
}

// observe increments the counter for the supplied reason.
func (m *Metrics) observe(clientID string, reason DropReason) {
	if m == nil || clientID == "" || reason == DropReasonNone {
		return
	}
	//1.- Lock while mutating the counters so concurrent updates stay consistent.
	m.mu.Lock()
	current := m.drops[clientID]
	switch reason {
	case DropReasonSequence:
		current.Sequence++
	case DropReasonStale:
		current.Stale++
	case DropReasonRateLimited:
		current.RateLimited++
	case DropReasonCooldown:
		current.Cooldown++
	}
	m.drops[clientID] = current
	m.mu.Unlock()
}

// snapshot returns a deep copy of the counters for external consumption.
func (m *Metrics) snapshot() map[string]DropCounters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(m.drops))
	for clientID, counters := range m.drops {
		clone[clientID] = counters
	}
	return clone
}

// Totals sums the counters across every tracked client.
func (m *Metrics) Totals() DropCounters {
	var total DropCounters
	if m == nil {
		return total
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, counters := range m.drops {
		total.Sequence += counters.Sequence
		total.Stale += counters.Stale
		total.RateLimited += counters.RateLimited
		total.Cooldown += counters.Cooldown
	}
	return total
}

// forget removes a client's counters when the connection closes.
func (m *Metrics) forget(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	delete(m.drops, clientID)
	m.mu.Unlock()
}

// Gate validates sequencing, freshness and throughput for inbound commands.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	logger  *logging.Logger
	metrics *Metrics
	clients map[string]*clientState
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for latency calculations.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithMetrics injects a pre-built metrics container, enabling shared aggregation across gates.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gate) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	//1.- Zero or negative intervals disable the corresponding checks.
	cfg.MaxAge = max(cfg.MaxAge, 0)
	cfg.MinInterval = max(cfg.MinInterval, 0)
	cfg.Cooldown = max(cfg.Cooldown, 0)
	if logger == nil {
		logger = logging.L()
	}
	gate := &Gate{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		metrics: NewMetrics(),
		clients: make(map[string]*clientState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies sequencing, freshness and throughput guards to the command.
// A zero sequence marks an unsequenced client and skips the ordering check.
func (g *Gate) Evaluate(frame Frame) Decision {
	decision := Decision{Accepted: true}
	if g == nil || frame.ClientID == "" {
		return decision
	}
	now := g.clock.Now()
	if !frame.SentAt.IsZero() {
		//1.- Compute the wall-clock delay between capture and arrival for diagnostics.
		decision.Delay = max(now.Sub(frame.SentAt), 0)
	}

	g.mu.Lock()
	state := g.clients[frame.ClientID]
	if state == nil {
		state = &clientState{lastDiscrete: make(map[simulation.CommandKind]time.Time)}
		g.clients[frame.ClientID] = state
	}
	reason := g.checkLocked(state, frame, now, decision.Delay)
	if reason == DropReasonNone {
		//2.- Promote the command as the latest accepted one for this client.
		if frame.SequenceID > 0 {
			state.lastSequence = frame.SequenceID
		}
		if frame.Kind == simulation.CommandPointer {
			state.lastPointer = now
		} else {
			state.lastDiscrete[frame.Kind] = now
		}
	}
	g.mu.Unlock()

	if reason != DropReasonNone {
		decision.Accepted = false
		decision.Reason = reason
		g.metrics.observe(frame.ClientID, reason)
		g.logger.Debug("command dropped",
			logging.String("client_id", frame.ClientID),
			logging.String("type", string(frame.Kind)),
			logging.String("reason", reason.String()),
		)
	}
	return decision
}

func (g *Gate) checkLocked(state *clientState, frame Frame, now time.Time, delay time.Duration) DropReason {
	if frame.SequenceID > 0 && frame.SequenceID <= state.lastSequence {
		return DropReasonSequence
	}
	if g.cfg.MaxAge > 0 && delay > g.cfg.MaxAge {
		return DropReasonStale
	}
	if frame.Kind == simulation.CommandPointer {
		//3.- A pointer leaving the canvas always lands so the ray is never left dangling.
		if !frame.Active || state.lastPointer.IsZero() || g.cfg.MinInterval == 0 {
			return DropReasonNone
		}
		if now.Sub(state.lastPointer) < g.cfg.MinInterval {
			return DropReasonRateLimited
		}
		return DropReasonNone
	}
	last, seen := state.lastDiscrete[frame.Kind]
	if seen && g.cfg.Cooldown > 0 && now.Sub(last) < g.cfg.Cooldown {
		return DropReasonCooldown
	}
	return DropReasonNone
}

// Forget clears cached sequencing and metrics for a disconnected client.
func (g *Gate) Forget(clientID string) {
	if g == nil || clientID == "" {
		return
	}
	g.mu.Lock()
	delete(g.clients, clientID)
	g.mu.Unlock()
	g.metrics.forget(clientID)
}

// Metrics returns a snapshot of the latest drop counters.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	return g.metrics.snapshot()
}

// Totals sums drop counters across clients.
func (g *Gate) Totals() DropCounters {
	if g == nil {
		return DropCounters{}
	}
	return g.metrics.Totals()
}
