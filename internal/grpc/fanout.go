package grpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"floatingspheres/broker/internal/simulation"
)

// Fanout distributes published frames to every gRPC stream. Slow
// subscribers miss frames rather than stalling the engine.
type Fanout struct {
	mu          sync.Mutex
	subscribers map[uint64]chan simulation.Frame
	nextID      atomic.Uint64
	dropped     atomic.Uint64
	closed      bool
}

// NewFanout constructs an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{subscribers: make(map[uint64]chan simulation.Frame)}
}

// SubscribeFrames registers a subscriber until ctx is done or cancel is called.
func (f *Fanout) SubscribeFrames(ctx context.Context) (<-chan simulation.Frame, func(), error) {
	if f == nil {
		return nil, func() {}, errors.New("fanout is nil")
	}
	//1.- A small buffer lets the stream lag one or two frames behind the engine.
	ch := make(chan simulation.Frame, 2)
	id := f.nextID.Add(1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, func() {}, errors.New("fanout closed")
	}
	f.subscribers[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			if sub, ok := f.subscribers[id]; ok {
				delete(f.subscribers, id)
				close(sub)
			}
			f.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}

// Publish offers the frame to every subscriber without blocking.
func (f *Fanout) Publish(frame simulation.Frame) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- frame:
		default:
			f.dropped.Add(1)
		}
	}
}

// Subscribers reports how many streams are attached.
func (f *Fanout) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// Dropped reports how many frame deliveries were skipped.
func (f *Fanout) Dropped() uint64 { return f.dropped.Load() }

// Close ends every subscription so streams drain and return.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subscribers {
		delete(f.subscribers, id)
		close(ch)
	}
}
