// Package api exposes the daemon over gRPC. The service is described by hand
// on top of protobuf well-known types, so no generated code is needed. Rich
// payloads travel as google.protobuf.Struct holding the JSON form of the
// types in this package.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "inboxsync.v1.Inbox"

// InboxServer is the control API served by the daemon.
type InboxServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RequestSync(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListQueue(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RetryMessage(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	SetOnline(context.Context, *wrapperspb.BoolValue) (*structpb.Struct, error)
	SetActiveConversation(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
	WatchEvents(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes the Inbox service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InboxServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", InboxServer.GetStatus),
		unary("RequestSync", InboxServer.RequestSync),
		unary("ListQueue", InboxServer.ListQueue),
		unary("RetryMessage", InboxServer.RetryMessage),
		unary("SendMessage", InboxServer.SendMessage),
		unary("ListMessages", InboxServer.ListMessages),
		unary("SetOnline", InboxServer.SetOnline),
		unary("SetActiveConversation", InboxServer.SetActiveConversation),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "inboxsync/v1/inbox.proto",
}

// RegisterInboxServer registers srv on s.
func RegisterInboxServer(s grpc.ServiceRegistrar, srv InboxServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req any, Res any](name string, call func(InboxServer, context.Context, *Req) (Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InboxServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(InboxServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InboxServer).WatchEvents(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}
