package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "matting.v1.PlugIn"

// PlugInServer is the server API of the plug-in service. Messages are
// protobuf Structs so the service needs no generated code.
type PlugInServer interface {
	QueryProcedures(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Describe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Run(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPlugInServer attaches srv to s.
func RegisterPlugInServer(s grpc.ServiceRegistrar, srv PlugInServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PlugInServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "QueryProcedures", Handler: queryProceduresHandler},
		{MethodName: "Describe", Handler: describeHandler},
		{MethodName: "Run", Handler: runHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "matting/v1/plugin.proto",
}

func queryProceduresHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PlugInServer).QueryProcedures(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/QueryProcedures"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PlugInServer).QueryProcedures(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func describeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PlugInServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Describe"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PlugInServer).Describe(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PlugInServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Run"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PlugInServer).Run(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// PlugInClient calls a remote plug-in service.
type PlugInClient struct {
	cc grpc.ClientConnInterface
}

// NewPlugInClient wraps an established connection.
func NewPlugInClient(cc grpc.ClientConnInterface) *PlugInClient {
	return &PlugInClient{cc: cc}
}

func (c *PlugInClient) QueryProcedures(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/QueryProcedures", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PlugInClient) Describe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Describe", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PlugInClient) Run(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Run", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
