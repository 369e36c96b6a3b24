// Package proto holds the tickerfeed.PriceService definition shared by the
// feed service and its clients. The service is declared in price.proto;
// messages are carried as structpb.Struct.
package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "tickerfeed.PriceService"

const (
	watchMethod         = "/" + ServiceName + "/Watch"
	activeSymbolsMethod = "/" + ServiceName + "/ActiveSymbols"
)

// PriceServiceServer is the server API for PriceService
type PriceServiceServer interface {
	// Watch streams price updates for the requested symbols
	Watch(*structpb.Struct, WatchServer) error
	// ActiveSymbols lists the symbols currently subscribed on the feed
	ActiveSymbols(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// WatchServer is the server side of a Watch stream
type WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchServer struct {
	grpc.ServerStream
}

func (x *watchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PriceServiceServer).Watch(m, &watchServer{stream})
}

func activeSymbolsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PriceServiceServer).ActiveSymbols(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: activeSymbolsMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PriceServiceServer).ActiveSymbols(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// PriceServiceDesc describes PriceService for grpc.Server registration
var PriceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PriceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ActiveSymbols",
			Handler:    activeSymbolsHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "price.proto",
}

// RegisterPriceServiceServer registers srv with s
func RegisterPriceServiceServer(s grpc.ServiceRegistrar, srv PriceServiceServer) {
	s.RegisterService(&PriceServiceDesc, srv)
}

// PriceServiceClient is the client API for PriceService
type PriceServiceClient interface {
	Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (WatchClient, error)
	ActiveSymbols(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

// WatchClient is the client side of a Watch stream
type WatchClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type priceServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewPriceServiceClient creates a client on cc
func NewPriceServiceClient(cc grpc.ClientConnInterface) PriceServiceClient {
	return &priceServiceClient{cc}
}

func (c *priceServiceClient) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &PriceServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *priceServiceClient) ActiveSymbols(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, activeSymbolsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type watchClient struct {
	grpc.ClientStream
}

func (x *watchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
