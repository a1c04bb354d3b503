package simulation

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxCatchUp bounds how many fixed steps one wake-up may run after a stall.
const DefaultMaxCatchUp = 4

// StepFunc advances the simulation by a fixed timestep and may emit side effects.
type StepFunc func(step time.Duration)

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step       time.Duration
	stepFunc   StepFunc
	maxCatchUp int

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	dropped time.Duration
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, step StepFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Loop{
		step:       interval,
		stepFunc:   step,
		maxCatchUp: DefaultMaxCatchUp,
	}
}

// EngineStep adapts an engine to the loop's step callback.
func EngineStep(engine *Engine) StepFunc {
	return func(step time.Duration) {
		engine.Tick(step.Seconds())
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stop, l.done = stop, done
	l.mu.Unlock()

	ticker := time.NewTicker(l.step)
	go func() {
		defer close(done)
		defer ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				steps := 0
				for accumulator >= l.step && steps < l.maxCatchUp {
					l.stepFunc(l.step)
					accumulator -= l.step
					steps++
				}
				//2.- Forget backlog beyond the catch-up budget instead of spiralling.
				if accumulator >= l.step {
					l.mu.Lock()
					l.dropped += accumulator - accumulator%l.step
					l.mu.Unlock()
					accumulator %= l.step
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// StepDuration exposes the configured timestep for testing.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}

// Dropped reports how much simulated time was skipped after stalls.
func (l *Loop) Dropped() time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
