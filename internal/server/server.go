package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/linescout/internal/broadcast"
	"github.com/ChuLiYu/linescout/pkg/types"
)

const (
	serviceName       = "linescout.v1.Events"
	subscribeMethod   = "/" + serviceName + "/Subscribe"
	statusMethod      = "/" + serviceName + "/Status"
	shutdownGrace     = 5 * time.Second
	defaultSubsBuffer = broadcast.DefaultBuffer
)

// EventsServer is the server API for the linescout.v1.Events service.
//
//	service Events {
//	  rpc Subscribe(google.protobuf.Empty) returns (stream google.protobuf.Struct);
//	  rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
type EventsServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var eventsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EventsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "linescout/v1/events.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EventsServer).Subscribe(in, stream)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventsServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventsServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// StatusFunc returns a JSON-serializable snapshot of pipeline state.
type StatusFunc func() any

// Server implements the gRPC server for the Events service.
type Server struct {
	hub    *broadcast.Hub
	status StatusFunc
	buffer int
	log    *slog.Logger

	mu   sync.Mutex
	done chan struct{}
}

// NewServer creates a new gRPC server instance.
func NewServer(hub *broadcast.Hub, statusFn StatusFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:    hub,
		status: statusFn,
		buffer: defaultSubsBuffer,
		log:    logger,
		done:   make(chan struct{}),
	}
}

// Register attaches the Events service to a grpc.Server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&eventsServiceDesc, s)
}

// Subscribe streams every broadcast event until the client leaves or the server shuts down.
func (s *Server) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	events, cancel := s.hub.Subscribe(s.buffer)
	defer cancel()

	s.log.Debug("Event subscriber connected")
	defer s.log.Debug("Event subscriber disconnected")

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := EventToStruct(ev)
			if err != nil {
				s.log.Warn("Dropping unencodable event", "type", ev.Type, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Status returns the current pipeline status.
func (s *Server) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.status == nil {
		return nil, status.Error(codes.Unimplemented, "status not available")
	}
	msg, err := toStruct(s.status())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}

// shutdown ends all open Subscribe streams.
func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is canceled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	s.Register(gs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	s.log.Info("gRPC event stream listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.shutdown()
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownGrace):
		gs.Stop()
	}
	s.log.Info("gRPC event stream stopped")
	return nil
}

// ============================================================================
// Event <-> Struct
// ============================================================================

// EventToStruct encodes an event with its JSON field names.
func EventToStruct(ev types.Event) (*structpb.Struct, error) {
	return toStruct(ev)
}

// StructToEvent decodes a Struct produced by EventToStruct.
func StructToEvent(msg *structpb.Struct) (types.Event, error) {
	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return types.Event{}, err
	}
	var ev types.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return types.Event{}, err
	}
	return ev, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
