package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/session"
)

var logf = monitoring.Tagged("gRPC")

// DefaultInterval is the minimum spacing between frames sent to a client.
const DefaultInterval = 10 * time.Millisecond

// closedPoll is how often a stream checks whether its session has closed.
const closedPoll = 250 * time.Millisecond

// Sessions looks up device sessions by id.
type Sessions interface {
	Get(id string) (*session.Session, bool)
}

// Server streams session frames to gRPC clients. Each client has its own
// single-slot mailbox: a slow client skips frames rather than holding up the
// dispatcher or other clients.
type Server struct {
	sessions Sessions
	interval time.Duration
	clients  atomic.Int32

	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer builds a gRPC server exposing the Tracking and health services.
// A non-positive interval means DefaultInterval.
func NewServer(sessions Sessions, interval time.Duration) *Server {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Server{
		sessions:   sessions,
		interval:   interval,
		grpcServer: grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		health:     health.NewServer(),
	}
	RegisterTrackingServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Clients returns the number of open StreamFrames calls.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	logf("listening at %v", lis.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Stop closes every connection immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.Stop()
}

// mailbox holds at most one frame; a put replaces whatever is waiting.
type mailbox struct {
	ch chan glove.Frame
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan glove.Frame, 1)}
}

func (m *mailbox) put(f glove.Frame) {
	for {
		select {
		case m.ch <- f:
			return
		default:
		}
		select {
		case <-m.ch:
		default:
		}
	}
}

// StreamFrames implements TrackingServer.
func (s *Server) StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error {
	id, views, err := parseRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return status.Errorf(codes.NotFound, "unknown device %q", id)
	}

	s.clients.Add(1)
	defer s.clients.Add(-1)

	mb := newMailbox()
	tok := sess.Subscribe(func(_ string, f glove.Frame) error {
		mb.put(f)
		return nil
	})
	defer sess.Unsubscribe(tok)
	if f, err := sess.Latest(); err == nil {
		mb.put(f)
	}

	ctx := stream.Context()
	logf("device %s: client streaming %v", id, views)
	poll := time.NewTicker(closedPoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-poll.C:
			if sess.Closed() {
				return status.Errorf(codes.Unavailable, "device %s session closed", id)
			}
		case f := <-mb.ch:
			msg, err := encodeFrame(sess, f, views)
			if err != nil {
				return status.Errorf(codes.Internal, "encode frame %d: %v", f.Seq, err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			pace := time.NewTimer(s.interval)
			select {
			case <-ctx.Done():
				pace.Stop()
				return status.FromContextError(ctx.Err()).Err()
			case <-pace.C:
			}
		}
	}
}
