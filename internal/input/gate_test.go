package input

import (
	"sync"
	"testing"
	"time"

	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/simulation"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// 1.- Now returns the configured timestamp for deterministic gate decisions.
func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// 2.- Advance moves the internal clock forward to simulate elapsed time.
func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestGate(clock Clock) *Gate {
	return NewGate(Config{MaxAge: 250 * time.Millisecond, MinInterval: time.Second / 60, Cooldown: 250 * time.Millisecond}, logging.NewTestLogger(), WithClock(clock))
}

func pointer(client string, seq uint64) Frame {
	return Frame{ClientID: client, SequenceID: seq, Kind: simulation.CommandPointer, Active: true}
}

func TestGateRejectsNonMonotonicSequence(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := newTestGate(clock)

	if first := gate.Evaluate(pointer("conn-1", 1)); !first.Accepted {
		t.Fatalf("first command unexpectedly rejected: %+v", first)
	}
	clock.Advance(time.Second)
	second := gate.Evaluate(pointer("conn-1", 1))
	if second.Accepted || second.Reason != DropReasonSequence {
		t.Fatalf("expected sequence drop, got %+v", second)
	}
	if metrics := gate.Metrics(); metrics["conn-1"].Sequence != 1 {
		t.Fatalf("sequence drops = %d, want 1", metrics["conn-1"].Sequence)
	}
}

func TestGateAllowsUnsequencedClients(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := newTestGate(clock)
	for i := 0; i < 3; i++ {
		if decision := gate.Evaluate(pointer("browser", 0)); !decision.Accepted {
			t.Fatalf("unsequenced sample %d rejected: %+v", i, decision)
		}
		clock.Advance(20 * time.Millisecond)
	}
}

func TestGateRejectsStaleCommands(t *testing.T) {
	clock := &fakeClock{now: time.Unix(10, 0)}
	gate := newTestGate(clock)

	frame := pointer("viewer", 1)
	frame.SentAt = clock.Now().Add(-600 * time.Millisecond)
	stale := gate.Evaluate(frame)
	if stale.Accepted || stale.Reason != DropReasonStale || stale.Delay != 600*time.Millisecond {
		t.Fatalf("expected stale drop, got %+v", stale)
	}
	if metrics := gate.Metrics()["viewer"]; metrics.Stale != 1 {
		t.Fatalf("stale drops = %d, want 1", metrics.Stale)
	}
}

func TestGateRateLimitsPointerSamples(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := newTestGate(clock)

	if decision := gate.Evaluate(pointer("conn", 1)); !decision.Accepted {
		t.Fatalf("initial sample rejected: %+v", decision)
	}
	clock.Advance(5 * time.Millisecond)
	burst := gate.Evaluate(pointer("conn", 2))
	if burst.Accepted || burst.Reason != DropReasonRateLimited {
		t.Fatalf("expected rate limit drop, got %+v", burst)
	}

	//1.- The pointer leaving the canvas is never throttled.
	leave := Frame{ClientID: "conn", SequenceID: 3, Kind: simulation.CommandPointer}
	if decision := gate.Evaluate(leave); !decision.Accepted {
		t.Fatalf("pointer leave rejected: %+v", decision)
	}
	if metrics := gate.Metrics()["conn"]; metrics.RateLimited != 1 {
		t.Fatalf("rate limited drops = %d, want 1", metrics.RateLimited)
	}
}

func TestGateCooldownPerDiscreteKind(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := newTestGate(clock)

	color := Frame{ClientID: "conn", Kind: simulation.CommandChangeColor}
	if decision := gate.Evaluate(color); !decision.Accepted {
		t.Fatalf("first colour change rejected: %+v", decision)
	}
	clock.Advance(100 * time.Millisecond)
	if decision := gate.Evaluate(color); decision.Accepted || decision.Reason != DropReasonCooldown {
		t.Fatalf("expected cooldown drop, got %+v", decision)
	}
	//1.- Other kinds keep their own cooldown.
	if decision := gate.Evaluate(Frame{ClientID: "conn", Kind: simulation.CommandReset}); !decision.Accepted {
		t.Fatalf("reset rejected during colour cooldown: %+v", decision)
	}
	clock.Advance(200 * time.Millisecond)
	if decision := gate.Evaluate(color); !decision.Accepted {
		t.Fatalf("colour change rejected after cooldown: %+v", decision)
	}
	if totals := gate.Totals(); totals.Cooldown != 1 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestGateForgetClearsClientState(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := newTestGate(clock)

	if decision := gate.Evaluate(pointer("conn", 1)); !decision.Accepted {
		t.Fatalf("initial sample rejected: %+v", decision)
	}
	gate.Evaluate(pointer("conn", 1))

	gate.Forget("conn")
	if metrics := gate.Metrics()["conn"]; metrics.Sequence != 0 {
		t.Fatalf("expected metrics reset after forget, got %+v", metrics)
	}
	if decision := gate.Evaluate(pointer("conn", 1)); !decision.Accepted {
		t.Fatalf("expected new session acceptance, got %+v", decision)
	}
}

func TestFrameForCopiesCommandMetadata(t *testing.T) {
	frame := FrameFor("c1", simulation.Command{Kind: simulation.CommandPointer, Sequence: 7, SentAtMs: 1500, Active: true})
	if frame.ClientID != "c1" || frame.SequenceID != 7 || !frame.Active || !frame.SentAt.Equal(time.UnixMilli(1500)) {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if unsent := FrameFor("c1", simulation.Command{Kind: simulation.CommandReset}); !unsent.SentAt.IsZero() {
		t.Fatalf("expected zero SentAt without a timestamp")
	}
}
