package ledgerv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "ledger.v1.Status"

	GetStatusMethod   = "/ledger.v1.Status/GetStatus"
	GetInstanceMethod = "/ledger.v1.Status/GetInstance"
	GetBalanceMethod  = "/ledger.v1.Status/GetBalance"
	GetBlockMethod    = "/ledger.v1.Status/GetBlock"
)

// StatusServer is the server API for the Status service.
type StatusServer interface {
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	GetInstance(context.Context, *GetInstanceRequest) (*GetInstanceResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*GetBalanceResponse, error)
	GetBlock(context.Context, *GetBlockRequest) (*GetBlockResponse, error)
}

// UnimplementedStatusServer can be embedded for forward compatibility.
type UnimplementedStatusServer struct{}

func (UnimplementedStatusServer) GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}

func (UnimplementedStatusServer) GetInstance(context.Context, *GetInstanceRequest) (*GetInstanceResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetInstance not implemented")
}

func (UnimplementedStatusServer) GetBalance(context.Context, *GetBalanceRequest) (*GetBalanceResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetBalance not implemented")
}

func (UnimplementedStatusServer) GetBlock(context.Context, *GetBlockRequest) (*GetBlockResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetBlock not implemented")
}

// RegisterStatusServer registers srv on s.
func RegisterStatusServer(s grpc.ServiceRegistrar, srv StatusServer) {
	s.RegisterService(&Status_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(StatusServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StatusServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(StatusServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Status_ServiceDesc is the grpc.ServiceDesc for the Status service.
var Status_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    unaryHandler(GetStatusMethod, StatusServer.GetStatus),
		},
		{
			MethodName: "GetInstance",
			Handler:    unaryHandler(GetInstanceMethod, StatusServer.GetInstance),
		},
		{
			MethodName: "GetBalance",
			Handler:    unaryHandler(GetBalanceMethod, StatusServer.GetBalance),
		},
		{
			MethodName: "GetBlock",
			Handler:    unaryHandler(GetBlockMethod, StatusServer.GetBlock),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/status.proto",
}

// StatusClient is the client API for the Status service.
type StatusClient interface {
	GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error)
	GetInstance(ctx context.Context, in *GetInstanceRequest, opts ...grpc.CallOption) (*GetInstanceResponse, error)
	GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*GetBalanceResponse, error)
	GetBlock(ctx context.Context, in *GetBlockRequest, opts ...grpc.CallOption) (*GetBlockResponse, error)
}

type statusClient struct {
	cc grpc.ClientConnInterface
}

// NewStatusClient creates a client for the Status service on cc.
func NewStatusClient(cc grpc.ClientConnInterface) StatusClient {
	return &statusClient{cc}
}

func (c *statusClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error) {
	out := new(GetStatusResponse)
	if err := c.cc.Invoke(ctx, GetStatusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *statusClient) GetInstance(ctx context.Context, in *GetInstanceRequest, opts ...grpc.CallOption) (*GetInstanceResponse, error) {
	out := new(GetInstanceResponse)
	if err := c.cc.Invoke(ctx, GetInstanceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *statusClient) GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*GetBalanceResponse, error) {
	out := new(GetBalanceResponse)
	if err := c.cc.Invoke(ctx, GetBalanceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *statusClient) GetBlock(ctx context.Context, in *GetBlockRequest, opts ...grpc.CallOption) (*GetBlockResponse, error) {
	out := new(GetBlockResponse)
	if err := c.cc.Invoke(ctx, GetBlockMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
