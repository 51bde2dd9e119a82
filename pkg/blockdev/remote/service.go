// Package remote serves a blockdev.Device over gRPC and provides a client
// that is itself a blockdev.Device.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/poundfs/poundfs/pkg/blockdev"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "poundfs.blockdev.BlockDevice"

// BlockIDKey is the metadata key carrying the target block of a WriteBlock call.
const BlockIDKey = "x-block-id"

const (
	methodBlockSize  = "/" + ServiceName + "/BlockSize"
	methodNumBlocks  = "/" + ServiceName + "/NumBlocks"
	methodReadBlock  = "/" + ServiceName + "/ReadBlock"
	methodWriteBlock = "/" + ServiceName + "/WriteBlock"
	methodSync       = "/" + ServiceName + "/Sync"
)

// BlockDeviceServer is the server side of the block device service.
type BlockDeviceServer interface {
	BlockSize(context.Context, *emptypb.Empty) (*wrapperspb.UInt32Value, error)
	NumBlocks(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error)
	ReadBlock(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error)
	WriteBlock(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Sync(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// RegisterBlockDeviceServer registers srv with a gRPC server.
func RegisterBlockDeviceServer(s grpc.ServiceRegistrar, srv BlockDeviceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BlockDeviceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "BlockSize", Handler: blockSizeHandler},
		{MethodName: "NumBlocks", Handler: numBlocksHandler},
		{MethodName: "ReadBlock", Handler: readBlockHandler},
		{MethodName: "WriteBlock", Handler: writeBlockHandler},
		{MethodName: "Sync", Handler: syncHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "poundfs/blockdev.proto",
}

func blockSizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockDeviceServer).BlockSize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodBlockSize}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BlockDeviceServer).BlockSize(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func numBlocksHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockDeviceServer).NumBlocks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodNumBlocks}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BlockDeviceServer).NumBlocks(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func readBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockDeviceServer).ReadBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReadBlock}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BlockDeviceServer).ReadBlock(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func writeBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockDeviceServer).WriteBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodWriteBlock}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BlockDeviceServer).WriteBlock(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func syncHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockDeviceServer).Sync(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSync}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BlockDeviceServer).Sync(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// toStatus converts a device error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, blockdev.ErrOutOfRange):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, blockdev.ErrBadBufferSize):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, blockdev.ErrClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus converts a gRPC error back to the matching blockdev sentinel.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.OutOfRange:
		return fmt.Errorf("%w: %s", blockdev.ErrOutOfRange, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", blockdev.ErrBadBufferSize, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", blockdev.ErrClosed, st.Message())
	default:
		return fmt.Errorf("remote device: %w", err)
	}
}

// blockIDFromContext extracts the x-block-id metadata of an incoming call.
func blockIDFromContext(ctx context.Context) (uint64, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "missing metadata")
	}
	vals := md.Get(BlockIDKey)
	if len(vals) != 1 {
		return 0, status.Errorf(codes.InvalidArgument, "expected one %s value, got %d", BlockIDKey, len(vals))
	}
	id, err := strconv.ParseUint(vals[0], 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %v", BlockIDKey, err)
	}
	return id, nil
}
