package grpc

import (
	"context"

	"floatingspheres/broker/internal/events"
	"floatingspheres/broker/internal/simulation"
)

// FrameSource exposes subscription semantics for published frames.
type FrameSource interface {
	SubscribeFrames(ctx context.Context) (<-chan simulation.Frame, func(), error)
}

// CommandSink ingests decoded client commands.
type CommandSink interface {
	Submit(cmd simulation.Command) error
}

// EventSource hands out lifecycle notification subscriptions.
type EventSource interface {
	Subscribe(ctx context.Context, subscriberID string, buffer int) (*events.Subscription, error)
	Forget(subscriberID string)
}

var _ EventSource = (*events.Stream)(nil)
