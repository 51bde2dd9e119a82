package remote

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/poundfs/poundfs/pkg/blockdev"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultTimeout bounds every remote block call.
const DefaultTimeout = 5 * time.Second

// Client is a blockdev.Device backed by a remote Server.
type Client struct {
	conn      grpc.ClientConnInterface
	owned     *grpc.ClientConn
	timeout   time.Duration
	blockSize int
	numBlocks uint64
	closed    atomic.Bool
}

var _ blockdev.Device = (*Client)(nil)

// Dial connects to a block server at address and fetches its geometry.
func Dial(ctx context.Context, address string, timeout time.Duration) (*Client, error) {
	dialOptions := []grpc.DialOption{
		grpc.WithBlock(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                15 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	c, err := NewClient(ctx, conn, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.owned = conn
	return c, nil
}

// NewClient wraps an existing connection. The caller keeps ownership of conn.
func NewClient(ctx context.Context, conn grpc.ClientConnInterface, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{conn: conn, timeout: timeout}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bs := new(wrapperspb.UInt32Value)
	if err := conn.Invoke(callCtx, methodBlockSize, &emptypb.Empty{}, bs); err != nil {
		return nil, fmt.Errorf("failed to fetch block size: %w", fromStatus(err))
	}
	n := new(wrapperspb.UInt64Value)
	if err := conn.Invoke(callCtx, methodNumBlocks, &emptypb.Empty{}, n); err != nil {
		return nil, fmt.Errorf("failed to fetch block count: %w", fromStatus(err))
	}
	if bs.GetValue() == 0 {
		return nil, fmt.Errorf("remote reported a zero block size")
	}

	c.blockSize = int(bs.GetValue())
	c.numBlocks = n.GetValue()
	return c, nil
}

func (c *Client) BlockSize() int { return c.blockSize }

func (c *Client) NumBlocks() uint64 { return c.numBlocks }

func (c *Client) ReadBlock(id uint64, buf []byte) error {
	if c.closed.Load() {
		return blockdev.ErrClosed
	}
	if len(buf) != c.blockSize {
		return blockdev.ErrBadBufferSize
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, methodReadBlock, wrapperspb.UInt64(id), out); err != nil {
		return fromStatus(err)
	}
	if len(out.GetValue()) != c.blockSize {
		return fmt.Errorf("remote returned %d bytes for block %d: %w", len(out.GetValue()), id, blockdev.ErrBadBufferSize)
	}
	copy(buf, out.GetValue())
	return nil
}

func (c *Client) WriteBlock(id uint64, buf []byte) error {
	if c.closed.Load() {
		return blockdev.ErrClosed
	}
	if len(buf) != c.blockSize {
		return blockdev.ErrBadBufferSize
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, BlockIDKey, strconv.FormatUint(id, 10))

	if err := c.conn.Invoke(ctx, methodWriteBlock, wrapperspb.Bytes(buf), new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) Sync() error {
	if c.closed.Load() {
		return blockdev.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.conn.Invoke(ctx, methodSync, &emptypb.Empty{}, new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Close marks the client closed and closes the connection if Dial created it.
// The remote device stays open.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.owned != nil {
		return c.owned.Close()
	}
	return nil
}
