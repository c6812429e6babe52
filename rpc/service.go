package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "tiledet.v1.DetectService"

const (
	LatestMethod       = "/" + ServiceName + "/Latest"
	DetectMethod       = "/" + ServiceName + "/Detect"
	SetViewSizeMethod  = "/" + ServiceName + "/SetViewSize"
	WatchResultsMethod = "/" + ServiceName + "/WatchResults"
)

// DetectServiceServer is served over well-known message types so no generated code is needed.
// Result sets and views travel as google.protobuf.Struct holding their JSON form.
type DetectServiceServer interface {
	Latest(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Detect(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	SetViewSize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchResults(*emptypb.Empty, grpc.ServerStream) error
}

func RegisterDetectServiceServer(s grpc.ServiceRegistrar, srv DetectServiceServer) {
	s.RegisterService(&DetectServiceDesc, srv)
}

func latestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LatestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).Latest(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func setViewSizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).SetViewSize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SetViewSizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).SetViewSize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchResultsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DetectServiceServer).WatchResults(in, stream)
}

var DetectServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Latest", Handler: latestHandler},
		{MethodName: "Detect", Handler: detectHandler},
		{MethodName: "SetViewSize", Handler: setViewSizeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchResults", Handler: watchResultsHandler, ServerStreams: true},
	},
	Metadata: "tiledet/v1/detect.proto",
}
