package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.SyncService"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodListConversations = "ListConversations"
	MethodListMessages      = "ListMessages"
	MethodOpenConversation  = "OpenConversation"
	MethodCloseConversation = "CloseConversation"
	MethodSend              = "Send"
	MethodRetry             = "Retry"
	MethodDiscard           = "Discard"
	MethodMarkRead          = "MarkRead"
	MethodSearchUsers       = "SearchUsers"
	MethodSearchMessages    = "SearchMessages"
	MethodWatchEvents       = "WatchEvents"
)

type unaryFunc func(s *Service, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// controlServer is the handler type checked by grpc.RegisterService.
type controlServer interface {
	Register(srv grpc.ServiceRegistrar)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, (*Service).getStatus),
		unary(MethodListConversations, (*Service).listConversations),
		unary(MethodListMessages, (*Service).listMessages),
		unary(MethodOpenConversation, (*Service).openConversation),
		unary(MethodCloseConversation, (*Service).closeConversation),
		unary(MethodSend, (*Service).send),
		unary(MethodRetry, (*Service).retry),
		unary(MethodDiscard, (*Service).discard),
		unary(MethodMarkRead, (*Service).markRead),
		unary(MethodSearchUsers, (*Service).searchUsers),
		unary(MethodSearchMessages, (*Service).searchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Service).watchEvents(in, stream)
}
