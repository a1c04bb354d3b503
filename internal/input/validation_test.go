package input

import (
	"math"
	"sync"
	"testing"
	"time"

	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/simulation"
)

type validatorClock struct {
	mu  sync.Mutex
	now time.Time
}

// 1.- Now returns the synthetic time used to drive cooldown calculations deterministically.
func (c *validatorClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// 2.- Advance moves the synthetic clock forward so tests can simulate elapsed time.
func (c *validatorClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestValidatorAcceptsWithinConstraints(t *testing.T) {
	clock := &validatorClock{now: time.UnixMilli(0)}
	validator := NewValidator(DefaultConstraints, logging.NewTestLogger(), WithValidatorClock(clock))

	cases := []simulation.Command{
		{Kind: simulation.CommandPointer, X: 0.3, Y: -0.9, Active: true},
		{Kind: simulation.CommandPointer, X: 1.2, Y: 1.4, Active: true},
		{Kind: simulation.CommandPointer},
		{Kind: simulation.CommandChangeColor},
		{Kind: simulation.CommandReset},
		{Kind: simulation.CommandImpulse},
	}
	for _, cmd := range cases {
		if decision := validator.Validate("client-A", cmd); !decision.Accepted {
			t.Fatalf("expected acceptance for %+v, got %+v", cmd, decision)
		}
	}
}

func TestValidatorRejectsOutOfRange(t *testing.T) {
	clock := &validatorClock{now: time.UnixMilli(0)}
	validator := NewValidator(DefaultConstraints, logging.NewTestLogger(), WithValidatorClock(clock))

	cases := []struct {
		cmd    simulation.Command
		reason ValidationReason
	}{
		{simulation.Command{Kind: simulation.CommandPointer, X: 3, Active: true}, ValidationReasonPointerRange},
		{simulation.Command{Kind: simulation.CommandPointer, Y: math.Inf(1), Active: true}, ValidationReasonNonFinite},
		{simulation.Command{Kind: "teleport"}, ValidationReasonMalformed},
	}
	for _, tc := range cases {
		decision := validator.Validate("client-B", tc.cmd)
		if decision.Accepted || decision.Reason != tc.reason {
			t.Fatalf("expected %s for %+v, got %+v", tc.reason, tc.cmd, decision)
		}
	}
	counters := validator.Metrics()["client-B"]
	if counters.Violations[ValidationReasonPointerRange] != 1 || counters.Violations[ValidationReasonMalformed] != 1 {
		t.Fatalf("unexpected counters %+v", counters)
	}
}

func TestValidatorCooldownAndDisconnect(t *testing.T) {
	clock := &validatorClock{now: time.UnixMilli(0)}
	cfg := DefaultConstraints
	cfg.InvalidBurstLimit = 3
	cfg.MaxCooldownStrikes = 2
	validator := NewValidator(cfg, logging.NewTestLogger(), WithValidatorClock(clock))

	//1.- Two malformed messages arm the warning, the third trips the cooldown.
	validator.RejectMalformed("client-C")
	if decision := validator.RejectMalformed("client-C"); !decision.Warn {
		t.Fatalf("expected a warning before the cooldown, got %+v", decision)
	}
	tripped := validator.RejectMalformed("client-C")
	if tripped.Cooldown != cfg.CooldownDuration || tripped.Disconnect {
		t.Fatalf("expected a cooldown without disconnect, got %+v", tripped)
	}

	//2.- Valid commands are refused while the cooldown lasts.
	clock.Advance(100 * time.Millisecond)
	blocked := validator.Validate("client-C", simulation.Command{Kind: simulation.CommandImpulse})
	if blocked.Accepted || blocked.Reason != ValidationReasonCooldownActive || blocked.Cooldown != 400*time.Millisecond {
		t.Fatalf("expected active cooldown, got %+v", blocked)
	}

	//3.- A second strike requests a disconnect.
	clock.Advance(time.Second)
	var last ValidationDecision
	for i := 0; i < 3; i++ {
		last = validator.RejectMalformed("client-C")
	}
	if !last.Disconnect {
		t.Fatalf("expected disconnect on second strike, got %+v", last)
	}
	counters := validator.Metrics()["client-C"]
	if counters.Cooldowns != 2 || counters.Disconnects != 1 || counters.Violations[ValidationReasonMalformed] != 6 {
		t.Fatalf("unexpected counters %+v", counters)
	}
}

func TestValidatorValidCommandResetsBurst(t *testing.T) {
	clock := &validatorClock{now: time.UnixMilli(0)}
	cfg := DefaultConstraints
	cfg.InvalidBurstLimit = 2
	validator := NewValidator(cfg, logging.NewTestLogger(), WithValidatorClock(clock))

	validator.RejectMalformed("client-D")
	validator.Validate("client-D", simulation.Command{Kind: simulation.CommandReset})
	if decision := validator.RejectMalformed("client-D"); decision.Cooldown != 0 {
		t.Fatalf("expected the burst to restart after a valid command, got %+v", decision)
	}
}

func TestValidatorForget(t *testing.T) {
	validator := NewValidator(DefaultConstraints, logging.NewTestLogger())
	validator.RejectMalformed("client-E")
	validator.Forget("client-E")
	if metrics := validator.Metrics(); metrics != nil {
		t.Fatalf("expected metrics to be cleared, got %+v", metrics)
	}
}
