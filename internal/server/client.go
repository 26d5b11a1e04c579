package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/linescout/pkg/types"
)

// Dial opens a plaintext client connection to an Events server.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient(addr, opts...)
}

// Watch subscribes to the event stream and calls fn for every event.
//
// It returns nil when ctx is canceled or the server closes the stream,
// and fn's error if fn fails.
func Watch(ctx context.Context, conn grpc.ClientConnInterface, fn func(types.Event) error) error {
	stream, err := conn.NewStream(ctx, &eventsServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		ev, err := StructToEvent(msg)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// FetchStatus calls the unary Status RPC and decodes the result into v.
func FetchStatus(ctx context.Context, conn grpc.ClientConnInterface, v any) error {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		return err
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
