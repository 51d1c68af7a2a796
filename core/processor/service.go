package processor

import (
	"context"

	"google.golang.org/grpc"
)

// TransactionProcessorServer is the handler interface of the
// TransactionProcessor service. Registry implements it on the validator
// side; a transaction processor implements it to serve the Process calls
// that Registry.Dispatch sends to its registered address.
type TransactionProcessorServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Process(context.Context, *ProcessRequest) (*ProcessResponse, error)
}

// TransactionProcessorClient is implemented by the transaction-processor
// side of the connection. The executor also uses a client handle of this
// shape to issue process requests to processors that dialed in.
type TransactionProcessorClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Process(ctx context.Context, in *ProcessRequest, opts ...grpc.CallOption) (*ProcessResponse, error)
}

type transactionProcessorClient struct {
	cc grpc.ClientConnInterface
}

// NewTransactionProcessorClient wraps an established connection.
func NewTransactionProcessorClient(cc grpc.ClientConnInterface) TransactionProcessorClient {
	return &transactionProcessorClient{cc: cc}
}

func (c *transactionProcessorClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, "/processor.TransactionProcessor/Register", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *transactionProcessorClient) Process(ctx context.Context, in *ProcessRequest, opts ...grpc.CallOption) (*ProcessResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	out := new(ProcessResponse)
	if err := c.cc.Invoke(ctx, "/processor.TransactionProcessor/Process", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterTransactionProcessorServer attaches srv's handlers to a gRPC
// server under the TransactionProcessor service name.
func RegisterTransactionProcessorServer(s grpc.ServiceRegistrar, srv TransactionProcessorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func _TransactionProcessor_Register_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransactionProcessorServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/processor.TransactionProcessor/Register"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransactionProcessorServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TransactionProcessor_Process_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ProcessRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransactionProcessorServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/processor.TransactionProcessor/Process"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransactionProcessorServer).Process(ctx, req.(*ProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the gRPC service descriptor for TransactionProcessor,
// written by hand in place of protoc-gen-go-grpc output since the wire
// messages use the JSON codec rather than protobuf.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "processor.TransactionProcessor",
	HandlerType: (*TransactionProcessorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: _TransactionProcessor_Register_Handler},
		{MethodName: "Process", Handler: _TransactionProcessor_Process_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "core/processor/service.go",
}
