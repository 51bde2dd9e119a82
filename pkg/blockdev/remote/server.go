package remote

import (
	"context"

	"github.com/poundfs/poundfs/pkg/blockdev"
	"github.com/poundfs/poundfs/pkg/common/log"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server exposes a local device to remote clients.
type Server struct {
	dev    blockdev.Device
	logger log.Logger
}

var _ BlockDeviceServer = (*Server)(nil)

// NewServer creates a server for dev. A nil logger uses the package default.
func NewServer(dev blockdev.Device, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Component("remote")
	}
	return &Server{dev: dev, logger: logger}
}

func (s *Server) BlockSize(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt32Value, error) {
	return wrapperspb.UInt32(uint32(s.dev.BlockSize())), nil
}

func (s *Server) NumBlocks(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	return wrapperspb.UInt64(s.dev.NumBlocks()), nil
}

func (s *Server) ReadBlock(ctx context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	buf := make([]byte, s.dev.BlockSize())
	if err := s.dev.ReadBlock(req.GetValue(), buf); err != nil {
		s.logger.Warn("Read of block %d failed: %v", req.GetValue(), err)
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(buf), nil
}

func (s *Server) WriteBlock(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	id, err := blockIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.dev.WriteBlock(id, req.GetValue()); err != nil {
		s.logger.Warn("Write of block %d failed: %v", id, err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Sync(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.dev.Sync(); err != nil {
		s.logger.Error("Sync failed: %v", err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}
