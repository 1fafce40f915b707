// Package stream serves live frames over gRPC. The service has one server
// streaming method, handtrack.v1.Tracking/StreamFrames, whose request and
// response messages are google.protobuf.Struct so no generated code is
// needed.
package stream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "handtrack.v1.Tracking"
	// StreamFramesMethod is the full method name of StreamFrames.
	StreamFramesMethod = "/" + ServiceName + "/StreamFrames"
)

// TrackingServer is the server API for the Tracking service.
type TrackingServer interface {
	// StreamFrames sends the latest frame of one device whenever it
	// changes, at most once per server interval.
	StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error
}

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TrackingServer).StreamFrames(req, stream)
}

// TrackingServiceDesc describes the Tracking service for grpc.Server.
var TrackingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackingServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFrames",
			Handler:       streamFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "handtrack/v1/tracking.proto",
}

// RegisterTrackingServer registers srv on s.
func RegisterTrackingServer(s grpc.ServiceRegistrar, srv TrackingServer) {
	s.RegisterService(&TrackingServiceDesc, srv)
}

// FrameStream receives frames from a StreamFrames call.
type FrameStream interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type frameStream struct {
	grpc.ClientStream
}

func (s *frameStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamFrames opens a StreamFrames call on conn.
func StreamFrames(ctx context.Context, conn grpc.ClientConnInterface, req *structpb.Struct, opts ...grpc.CallOption) (FrameStream, error) {
	cs, err := conn.NewStream(ctx, &TrackingServiceDesc.Streams[0], StreamFramesMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &frameStream{cs}, nil
}
