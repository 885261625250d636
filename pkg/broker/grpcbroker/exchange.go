package grpcbroker

import (
	"context"
	"fmt"

	"dpn/pkg/message"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "dpn.broker.v1.Exchange"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// exchangeServer accepts messages pushed by peers. A request is a Struct
// carrying "scope" and "message", the JSON encoded message.
type exchangeServer interface {
	Deliver(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(exchangeServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(exchangeServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dpn/broker/v1/exchange.proto",
}

func encodeRequest(scope message.Scope, msg *message.Message) (*structpb.Struct, error) {
	raw, err := message.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"scope":   scope.String(),
		"message": string(raw),
	})
}

func decodeRequest(req *structpb.Struct) (message.Scope, *message.Message, error) {
	var scope message.Scope
	switch s := req.GetFields()["scope"].GetStringValue(); s {
	case message.Broadcast.String():
		scope = message.Broadcast
	case message.Direct.String():
		scope = message.Direct
	default:
		return 0, nil, status.Errorf(codes.InvalidArgument, "unknown scope %q", s)
	}
	msg, err := message.Unmarshal([]byte(req.GetFields()["message"].GetStringValue()))
	if err != nil {
		return 0, nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return scope, msg, nil
}
