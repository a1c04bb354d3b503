package input

import (
	"sync"
	"time"

	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/simulation"
)

// ValidationReason identifies why a command was rejected by the validator.
type ValidationReason string

const (
	ValidationReasonNone           ValidationReason = ""
	ValidationReasonMalformed      ValidationReason = "malformed"
	ValidationReasonNonFinite      ValidationReason = "non_finite"
	ValidationReasonPointerRange   ValidationReason = "pointer_range"
	ValidationReasonCooldownActive ValidationReason = "cooldown_active"
)

// Range defines the inclusive min/max for a floating point channel.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// Constraints configures the validator's range and cooldown policies.
type Constraints struct {
	// Pointer bounds both NDC axes of an active pointer sample.
	Pointer            Range
	InvalidBurstLimit  int
	InvalidBurstWindow time.Duration
	CooldownDuration   time.Duration
	MaxCooldownStrikes int
}

// ValidationDecision summarises the result of a Validate call.
type ValidationDecision struct {
	Accepted   bool
	Reason     ValidationReason
	Warn       bool
	Disconnect bool
	Cooldown   time.Duration
}

// ValidationCounters aggregates per-client violation statistics.
type ValidationCounters struct {
	Violations  map[ValidationReason]uint64 `json:"violations,omitempty"`
	Cooldowns   uint64                      `json:"cooldowns"`
	Disconnects uint64                      `json:"disconnects"`
}

// ValidatorOption customises validator construction.
type ValidatorOption func(*Validator)

// Validator enforces pointer ranges and puts abusive clients into cooldown.
type Validator struct {
	mu      sync.Mutex
	cfg     Constraints
	clock   Clock
	logger  *logging.Logger
	clients map[string]*validatorClientState
	metrics map[string]ValidationCounters
}

type validatorClientState struct {
	firstInvalid  time.Time
	invalidCount  int
	cooldownUntil time.Time
	strikes       int
}

// DefaultConstraints allows a small overshoot past the canvas edge, since
// pointer capture keeps reporting positions while a drag leaves the element.
var DefaultConstraints = Constraints{
	Pointer:            Range{Min: -1.5, Max: 1.5},
	InvalidBurstLimit:  5,
	InvalidBurstWindow: time.Second,
	CooldownDuration:   500 * time.Millisecond,
	MaxCooldownStrikes: 3,
}

// WithValidatorClock overrides the clock used to determine cooldown windows.
func WithValidatorClock(clock Clock) ValidatorOption {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewValidator builds a validator with the supplied constraints and logger.
func NewValidator(cfg Constraints, logger *logging.Logger, opts ...ValidatorOption) *Validator {
	//1.- Fill unset knobs from the defaults.
	if cfg.InvalidBurstLimit <= 0 {
		cfg.InvalidBurstLimit = DefaultConstraints.InvalidBurstLimit
	}
	if cfg.InvalidBurstWindow <= 0 {
		cfg.InvalidBurstWindow = DefaultConstraints.InvalidBurstWindow
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultConstraints.CooldownDuration
	}
	if cfg.MaxCooldownStrikes <= 0 {
		cfg.MaxCooldownStrikes = DefaultConstraints.MaxCooldownStrikes
	}
	if cfg.Pointer == (Range{}) {
		cfg.Pointer = DefaultConstraints.Pointer
	}
	if logger == nil {
		logger = logging.L()
	}
	validator := &Validator{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		clients: make(map[string]*validatorClientState),
		metrics: make(map[string]ValidationCounters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// Validate checks a parsed command and records any violation.
func (v *Validator) Validate(clientID string, cmd simulation.Command) ValidationDecision {
	if v == nil {
		return ValidationDecision{Accepted: true}
	}
	now := v.clock.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	state := v.ensureStateLocked(clientID)
	if !state.cooldownUntil.IsZero() && now.Before(state.cooldownUntil) {
		return ValidationDecision{Accepted: false, Reason: ValidationReasonCooldownActive, Cooldown: state.cooldownUntil.Sub(now)}
	}
	if reason := v.checkLocked(cmd); reason != ValidationReasonNone {
		return v.registerViolationLocked(clientID, state, now, reason)
	}
	//2.- A valid command clears the burst so occasional mistakes never accumulate.
	state.invalidCount = 0
	state.firstInvalid = time.Time{}
	return ValidationDecision{Accepted: true}
}

// RejectMalformed records a message that could not be decoded at all.
func (v *Validator) RejectMalformed(clientID string) ValidationDecision {
	if v == nil {
		return ValidationDecision{Accepted: false, Reason: ValidationReasonMalformed}
	}
	now := v.clock.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.registerViolationLocked(clientID, v.ensureStateLocked(clientID), now, ValidationReasonMalformed)
}

// Forget clears all state for the specified client.
func (v *Validator) Forget(clientID string) {
	if v == nil || clientID == "" {
		return
	}
	v.mu.Lock()
	delete(v.clients, clientID)
	delete(v.metrics, clientID)
	v.mu.Unlock()
}

// Metrics returns a snapshot of per-client counters for diagnostics.
func (v *Validator) Metrics() map[string]ValidationCounters {
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.metrics) == 0 {
		return nil
	}
	snapshot := make(map[string]ValidationCounters, len(v.metrics))
	for key, counters := range v.metrics {
		clone := ValidationCounters{Cooldowns: counters.Cooldowns, Disconnects: counters.Disconnects}
		if len(counters.Violations) > 0 {
			clone.Violations = make(map[ValidationReason]uint64, len(counters.Violations))
			for reason, count := range counters.Violations {
				clone.Violations[reason] = count
			}
		}
		snapshot[key] = clone
	}
	return snapshot
}

func (v *Validator) ensureStateLocked(key string) *validatorClientState {
	state := v.clients[key]
	if state == nil {
		state = &validatorClientState{}
		v.clients[key] = state
	}
	return state
}

func (v *Validator) registerViolationLocked(key string, state *validatorClientState, now time.Time, reason ValidationReason) ValidationDecision {
	counters := v.metrics[key]
	if counters.Violations == nil {
		counters.Violations = make(map[ValidationReason]uint64)
	}
	counters.Violations[reason]++

	decision := ValidationDecision{Accepted: false, Reason: reason}
	if state.invalidCount == 0 || now.Sub(state.firstInvalid) > v.cfg.InvalidBurstWindow {
		state.firstInvalid = now
		state.invalidCount = 1
	} else {
		state.invalidCount++
	}
	//3.- Warn one violation before the burst limit trips a cooldown.
	decision.Warn = v.cfg.InvalidBurstLimit-state.invalidCount == 1
	if state.invalidCount >= v.cfg.InvalidBurstLimit {
		state.cooldownUntil = now.Add(v.cfg.CooldownDuration)
		state.invalidCount = 0
		state.firstInvalid = time.Time{}
		state.strikes++
		counters.Cooldowns++
		if state.strikes >= v.cfg.MaxCooldownStrikes {
			decision.Disconnect = true
			counters.Disconnects++
		}
		decision.Cooldown = v.cfg.CooldownDuration
		v.logger.Debug("command validator cooldown",
			logging.String("client_id", key),
			logging.String("reason", string(reason)),
			logging.Int64("cooldown_ms", v.cfg.CooldownDuration.Milliseconds()),
			logging.Int("strikes", state.strikes),
		)
	}
	v.metrics[key] = counters
	return decision
}

func (v *Validator) checkLocked(cmd simulation.Command) ValidationReason {
	if cmd.Validate() != nil {
		if cmd.Kind == simulation.CommandPointer {
			return ValidationReasonNonFinite
		}
		return ValidationReasonMalformed
	}
	if cmd.Kind != simulation.CommandPointer || !cmd.Active {
		return ValidationReasonNone
	}
	if !v.cfg.Pointer.Contains(cmd.X) || !v.cfg.Pointer.Contains(cmd.Y) {
		return ValidationReasonPointerRange
	}
	return ValidationReasonNone
}
