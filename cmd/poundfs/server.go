package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/poundfs/poundfs/pkg/blockdev"
	"github.com/poundfs/poundfs/pkg/blockdev/remote"
	"github.com/poundfs/poundfs/pkg/common/log"
)

// Server exports a block device over gRPC.
type Server struct {
	dev        blockdev.Device
	address    string
	logger     log.Logger
	listener   net.Listener
	grpcServer *grpc.Server
}

// NewServer creates a server for dev listening on address once started.
func NewServer(dev blockdev.Device, address string, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Component("server")
	}
	return &Server{
		dev:     dev,
		address: address,
		logger:  logger,
	}
}

// Start binds the listener and registers the block device service.
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	kaProps := keepalive.ServerParameters{
		MaxConnectionIdle:     60 * time.Second,
		MaxConnectionAge:      5 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  15 * time.Second,
		Timeout:               5 * time.Second,
	}
	kaPolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(kaProps),
		grpc.KeepaliveEnforcementPolicy(kaPolicy),
	)
	remote.RegisterBlockDeviceServer(s.grpcServer, remote.NewServer(s.dev, s.logger.WithField("component", "remote")))

	s.logger.Info("Block server listening on %s: %d blocks of %d bytes",
		s.listener.Addr(), s.dev.NumBlocks(), s.dev.BlockSize())
	return nil
}

// Addr returns the bound address, which differs from the configured one
// when the port was zero.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve blocks until the server stops.
func (s *Server) Serve() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialized, call Start() first")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown stops the server, waiting for in-flight calls until ctx expires,
// and flushes the device.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}

	if s.listener != nil {
		// GracefulStop already closed it; a second close is harmless
		s.listener.Close()
	}

	if err := s.dev.Sync(); err != nil {
		return fmt.Errorf("sync device: %w", err)
	}
	return nil
}
