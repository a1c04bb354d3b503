// Package events delivers engine lifecycle notifications (palette changes,
// resets, impulses) to subscribers with per-subscriber acknowledgement so a
// reconnecting renderer can catch up on what it missed.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind enumerates the lifecycle notifications carried by the stream.
type Kind string

const (
	KindStarted Kind = "started"
	KindPalette Kind = "palette"
	KindReset   Kind = "reset"
	KindImpulse Kind = "impulse"
)

func (k Kind) valid() bool {
	switch k {
	case KindStarted, KindPalette, KindReset, KindImpulse:
		return true
	}
	return false
}

// Envelope carries one notification with its sequencing metadata.
type Envelope struct {
	Sequence uint64
	Kind     Kind
	Tick     uint64
	Detail   *structpb.Struct
}

// Clone duplicates the envelope including its detail payload.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Detail != nil {
		if detail, ok := proto.Clone(e.Detail).(*structpb.Struct); ok {
			clone.Detail = detail
		}
	}
	return &clone
}

// Message renders the envelope as a JSON friendly map for text transports.
func (e *Envelope) Message() map[string]any {
	if e == nil {
		return nil
	}
	msg := map[string]any{
		"type":     "event",
		"sequence": e.Sequence,
		"kind":     string(e.Kind),
		"tick":     e.Tick,
	}
	if e.Detail != nil {
		msg["detail"] = e.Detail.AsMap()
	}
	return msg
}

// Config controls how many notifications the stream keeps for replay.
type Config struct {
	Retain int
}

const defaultRetention = 256

// ErrOutOfOrderAck signals an acknowledgement that skips a pending sequence.
var ErrOutOfOrderAck = errors.New("ack sequence must match the next pending event")

// Stream coordinates ordered delivery with at-least-once semantics per subscriber.
type Stream struct {
	mu          sync.Mutex
	nextSeq     uint64
	retention   int
	logOrder    []uint64
	logPayloads map[uint64]*Envelope
	subscribers map[string]*subscriberState
}

type subscriberState struct {
	pending []uint64
	lastAck uint64
	ch      chan *Envelope
	active  bool
}

// Subscription exposes the delivery channel and acknowledgement helpers.
type Subscription struct {
	id     string
	stream *Stream
	events <-chan *Envelope
	once   sync.Once
}

// NewStream constructs a stream using the provided configuration.
func NewStream(cfg Config) *Stream {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Stream{
		retention:   retention,
		logPayloads: make(map[uint64]*Envelope),
		subscribers: make(map[string]*subscriberState),
	}
}

// Subscribe attaches a subscriber and replays everything it has not
// acknowledged, up to the buffer size. A first-time subscriber only receives
// notifications published after it joined. The subscription closes itself
// when ctx is done.
func (s *Stream) Subscribe(ctx context.Context, subscriberID string, buffer int) (*Subscription, error) {
	if s == nil {
		return nil, errors.New("nil stream")
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id must be provided")
	}
	if buffer <= 0 {
		buffer = 32
	}

	s.mu.Lock()
	state, known := s.subscribers[subscriberID]
	if !known {
		//1.- New subscribers start from the current head of the log.
		state = &subscriberState{lastAck: s.nextSeq}
		s.subscribers[subscriberID] = state
	}
	if state.ch != nil {
		close(state.ch)
	}
	ch := make(chan *Envelope, buffer)
	state.ch = ch
	state.active = true
	state.pending = state.pending[:0]
	//2.- Replay unacknowledged notifications still held in the log.
	for _, seq := range s.logOrder {
		if seq <= state.lastAck {
			continue
		}
		state.pending = append(state.pending, seq)
		select {
		case ch <- s.logPayloads[seq].Clone():
		default:
		}
	}
	s.mu.Unlock()

	sub := &Subscription{id: subscriberID, stream: s, events: ch}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub, nil
}

// Events exposes the ordered delivery channel.
func (s *Subscription) Events() <-chan *Envelope {
	if s == nil {
		return nil
	}
	return s.events
}

// Ack informs the stream that the subscriber processed the given sequence.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.stream == nil {
		return errors.New("subscription closed")
	}
	return s.stream.ack(s.id, sequence)
}

// Close marks the subscription inactive while keeping its acknowledgement state.
func (s *Subscription) Close() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		s.stream.deactivate(s.id, s.events)
	})
}

// Publish records a notification and fans it out to active subscribers.
// Detail values must be representable by structpb (numbers, strings, bools,
// nil, lists and maps of those).
func (s *Stream) Publish(kind Kind, tick uint64, detail map[string]any) (uint64, error) {
	if s == nil {
		return 0, errors.New("nil stream")
	}
	if !kind.valid() {
		return 0, fmt.Errorf("unsupported event kind %q", kind)
	}
	var payload *structpb.Struct
	if len(detail) > 0 {
		var err error
		payload, err = structpb.NewStruct(detail)
		if err != nil {
			return 0, fmt.Errorf("encode %s detail: %w", kind, err)
		}
	}
	envelope := &Envelope{Kind: kind, Tick: tick, Detail: payload}

	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	envelope.Sequence = seq
	s.logPayloads[seq] = envelope
	s.logOrder = append(s.logOrder, seq)

	deliveries := make([]delivery, 0, len(s.subscribers))
	for _, state := range s.subscribers {
		state.pending = append(state.pending, seq)
		if state.active && state.ch != nil {
			deliveries = append(deliveries, delivery{ch: state.ch, payload: envelope.Clone()})
		}
	}
	s.enforceRetentionLocked()
	//1.- Deliver under the lock so a concurrent Close cannot close the channel mid-send.
	for _, item := range deliveries {
		select {
		case item.ch <- item.payload:
		default:
		}
	}
	s.mu.Unlock()
	return seq, nil
}

type delivery struct {
	ch      chan<- *Envelope
	payload *Envelope
}

func (s *Stream) enforceRetentionLocked() {
	if len(s.logOrder) <= s.retention {
		return
	}
	//1.- Never prune past the slowest acknowledgement unless the log overflows.
	minAck := s.nextSeq
	for _, state := range s.subscribers {
		if state.lastAck < minAck {
			minAck = state.lastAck
		}
	}
	cutoff := s.logOrder[len(s.logOrder)-s.retention-1]
	pruneThrough := max(minAck, cutoff)
	idx := sort.Search(len(s.logOrder), func(i int) bool { return s.logOrder[i] > pruneThrough })
	for _, seq := range s.logOrder[:idx] {
		delete(s.logPayloads, seq)
	}
	s.logOrder = append([]uint64(nil), s.logOrder[idx:]...)

	//2.- Pruned sequences can never be replayed, so no subscriber keeps waiting on them.
	oldest := s.nextSeq + 1
	if len(s.logOrder) > 0 {
		oldest = s.logOrder[0]
	}
	for _, state := range s.subscribers {
		drop := sort.Search(len(state.pending), func(i int) bool { return state.pending[i] >= oldest })
		if drop > 0 {
			state.lastAck = max(state.lastAck, state.pending[drop-1])
			state.pending = append([]uint64(nil), state.pending[drop:]...)
		}
	}
}

func (s *Stream) ack(subscriberID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("unknown subscriber %q", subscriberID)
	}
	if sequence <= state.lastAck {
		return nil
	}
	if len(state.pending) == 0 || sequence != state.pending[0] {
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	return nil
}

func (s *Stream) deactivate(subscriberID string, events <-chan *Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok || state.ch == nil || (<-chan *Envelope)(state.ch) != events {
		return
	}
	state.active = false
	close(state.ch)
	state.ch = nil
}

// Subscribers reports how many subscriber records the stream holds,
// connected or waiting to resume.
func (s *Stream) Subscribers() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Forget drops every trace of a subscriber, used when a client leaves for good.
func (s *Stream) Forget(subscriberID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.subscribers[subscriberID]; ok && state.ch != nil {
		close(state.ch)
	}
	delete(s.subscribers, subscriberID)
}
