package grpc

import (
	grpclib "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the frame stream service.
const ServiceName = "spheres.v1.FrameStream"

// Metadata keys understood by the service.
const (
	ClientIDKey        = "x-client-id"
	FrameEncodingKey   = "x-frame-encoding"
	CommandEncodingKey = "x-command-encoding"
)

// FrameStreamServer is implemented by Service. Messages are protobuf
// well-known types, so clients need no generated stubs:
//
//	StreamFrames(StringValue client id) returns (stream BytesValue compressed frame)
//	PublishCommands(stream BytesValue compressed JSON command) returns (Struct summary)
//	StreamEvents(Empty) returns (stream Struct event)
type FrameStreamServer interface {
	StreamFrames(*wrapperspb.StringValue, grpclib.ServerStreamingServer[wrapperspb.BytesValue]) error
	PublishCommands(grpclib.ClientStreamingServer[wrapperspb.BytesValue, structpb.Struct]) error
	StreamEvents(*emptypb.Empty, grpclib.ServerStreamingServer[structpb.Struct]) error
}

func streamFramesHandler(srv any, stream grpclib.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FrameStreamServer).StreamFrames(req, &grpclib.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

func publishCommandsHandler(srv any, stream grpclib.ServerStream) error {
	return srv.(FrameStreamServer).PublishCommands(&grpclib.GenericServerStream[wrapperspb.BytesValue, structpb.Struct]{ServerStream: stream})
}

func streamEventsHandler(srv any, stream grpclib.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FrameStreamServer).StreamEvents(req, &grpclib.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// FrameStreamServiceDesc describes the service for grpc.Server registration.
var FrameStreamServiceDesc = grpclib.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FrameStreamServer)(nil),
	Methods:     []grpclib.MethodDesc{},
	Streams: []grpclib.StreamDesc{
		{StreamName: "StreamFrames", Handler: streamFramesHandler, ServerStreams: true},
		{StreamName: "PublishCommands", Handler: publishCommandsHandler, ClientStreams: true},
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
	Metadata: "spheres/v1/frame_stream.proto",
}

// RegisterFrameStreamServer attaches the service to a gRPC server.
func RegisterFrameStreamServer(registrar grpclib.ServiceRegistrar, srv FrameStreamServer) {
	registrar.RegisterService(&FrameStreamServiceDesc, srv)
}
