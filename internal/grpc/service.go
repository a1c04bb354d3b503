package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"floatingspheres/broker/internal/input"
	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/simulation"
)

// DefaultStreamRateHz caps how often StreamFrames sends a frame.
const DefaultStreamRateHz = 30

// Option customises the behaviour of the gRPC streaming service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithCompressor overrides the default payload compressor.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithStreamRate overrides the frame stream cadence.
func WithStreamRate(hz float64) Option {
	return func(s *Service) {
		if hz > 0 {
			s.rateHz = hz
		}
	}
}

// WithNeighbors controls whether streamed frames carry neighbor buffers.
func WithNeighbors(enabled bool) Option { return func(s *Service) { s.neighbors = enabled } }

// WithEvents enables StreamEvents.
func WithEvents(source EventSource) Option { return func(s *Service) { s.events = source } }

// WithGate applies ordering and rate gating to published commands.
func WithGate(gate *input.Gate) Option { return func(s *Service) { s.gate = gate } }

// WithValidator applies range checks and cooldowns to published commands.
func WithValidator(validator *input.Validator) Option {
	return func(s *Service) { s.validator = validator }
}

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service implements FrameStreamServer over the engine's frame fan-out.
type Service struct {
	frames     FrameSource
	sink       CommandSink
	events     EventSource
	gate       *input.Gate
	validator  *input.Validator
	compressor Compressor
	newTicker  tickerFactory
	rateHz     float64
	neighbors  bool
	log        *logging.Logger
	anonymous  atomic.Uint64
}

var _ FrameStreamServer = (*Service)(nil)

// NewService wires the gRPC service to the frame source and command sink.
func NewService(frames FrameSource, sink CommandSink, opts ...Option) *Service {
	service := &Service{
		frames:     frames,
		sink:       sink,
		compressor: NewSnappyCompressor(),
		newTicker:  defaultTickerFactory,
		rateHz:     DefaultStreamRateHz,
		neighbors:  true,
		log:        logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// StreamFrames relays the newest frame at the configured cadence. Frames that
// arrive between ticks are superseded, never queued.
func (s *Service) StreamFrames(req *wrapperspb.StringValue, stream grpclib.ServerStreamingServer[wrapperspb.BytesValue]) error {
	if s == nil || s.frames == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()
	clientID := s.clientID(ctx, req.GetValue(), "frames")
	frameCh, cancel, err := s.frames.SubscribeFrames(ctx)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe frames: %v", err)
	}
	defer cancel()

	//1.- Advertise the payload codec once so every message stays a bare byte string.
	if err := stream.SendHeader(metadata.Pairs(FrameEncodingKey, s.compressor.Name())); err != nil {
		return err
	}
	tickCh, stop := s.newTicker(time.Duration(float64(time.Second) / s.rateHz))
	defer stop()

	logger := s.log.With(logging.String("client_id", clientID), logging.String("rpc", "StreamFrames"))
	logger.Info("frame stream opened")
	defer logger.Info("frame stream closed")

	var (
		latest  simulation.Frame
		pending bool
		closed  bool
	)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case frame, ok := <-frameCh:
			if !ok {
				//2.- Flush what is pending on the next tick, then end the stream.
				closed = true
				frameCh = nil
				if !pending {
					return nil
				}
				continue
			}
			latest, pending = frame, true
		case <-tickCh:
			if !pending {
				if closed {
					return nil
				}
				continue
			}
			if !s.neighbors {
				latest = latest.WithoutNeighbors()
			}
			compressed, err := s.compressor.Compress(simulation.EncodeFrame(latest))
			if err != nil {
				return status.Errorf(codes.Internal, "compress frame: %v", err)
			}
			if err := stream.Send(wrapperspb.Bytes(compressed)); err != nil {
				return err
			}
			pending = false
			if closed {
				return nil
			}
		}
	}
}

// PublishCommands ingests compressed JSON commands and answers with a summary
// once the client closes its side of the stream.
func (s *Service) PublishCommands(stream grpclib.ClientStreamingServer[wrapperspb.BytesValue, structpb.Struct]) error {
	if s == nil || s.sink == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()
	clientID := s.clientID(ctx, "", "commands")
	compressor := s.compressor
	if encoding := firstMetadata(ctx, CommandEncodingKey); encoding != "" {
		var err error
		if compressor, err = CompressorByName(encoding); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
	defer s.gate.Forget(clientID)
	defer s.validator.Forget(clientID)

	var accepted, rejected int
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			summary, err := structpb.NewStruct(map[string]any{
				"client_id": clientID,
				"accepted":  accepted,
				"rejected":  rejected,
			})
			if err != nil {
				return status.Errorf(codes.Internal, "encode summary: %v", err)
			}
			return stream.SendAndClose(summary)
		}
		if err != nil {
			return err
		}
		ok, disconnect := s.submit(clientID, compressor, msg.GetValue())
		if disconnect {
			return status.Error(codes.PermissionDenied, "too many invalid commands")
		}
		if ok {
			accepted++
		} else {
			rejected++
		}
	}
}

func (s *Service) submit(clientID string, compressor Compressor, payload []byte) (accepted, disconnect bool) {
	raw, err := compressor.Decompress(payload)
	if err != nil {
		return false, s.validator.RejectMalformed(clientID).Disconnect
	}
	cmd, err := simulation.ParseCommand(raw)
	if err != nil {
		return false, s.validator.RejectMalformed(clientID).Disconnect
	}
	cmd.ClientID = clientID
	if decision := s.validator.Validate(clientID, cmd); !decision.Accepted {
		return false, decision.Disconnect
	}
	if decision := s.gate.Evaluate(input.FrameFor(clientID, cmd)); !decision.Accepted {
		return false, false
	}
	if err := s.sink.Submit(cmd); err != nil {
		s.log.Warn("command rejected by engine", logging.String("client_id", clientID), logging.Error(err))
		return false, false
	}
	return true, false
}

// StreamEvents relays lifecycle notifications, acknowledging each one after
// it was handed to the transport.
func (s *Service) StreamEvents(_ *emptypb.Empty, stream grpclib.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.events == nil {
		return status.Error(codes.FailedPrecondition, "events unavailable")
	}
	ctx := stream.Context()
	clientID := s.clientID(ctx, "", "events")
	//1.- A generated id can never resume, so its record goes with the stream.
	if firstMetadata(ctx, ClientIDKey) == "" {
		defer s.events.Forget(clientID)
	}
	sub, err := s.events.Subscribe(ctx, clientID, 64)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe events: %v", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case envelope, ok := <-sub.Events():
			if !ok {
				if err := ctx.Err(); err != nil {
					return status.FromContextError(err).Err()
				}
				return nil
			}
			msg, err := structpb.NewStruct(envelope.Message())
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
			if err := sub.Ack(envelope.Sequence); err != nil {
				s.log.Debug("event ack rejected", logging.String("client_id", clientID), logging.Error(err))
			}
		}
	}
}

// clientID prefers an explicit id, then the x-client-id metadata, then a generated one.
func (s *Service) clientID(ctx context.Context, explicit, prefix string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}
	if id := firstMetadata(ctx, ClientIDKey); id != "" {
		return id
	}
	return fmt.Sprintf("grpc-%s-%d", prefix, s.anonymous.Add(1))
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, value := range md.Get(key) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
