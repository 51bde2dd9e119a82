// Package mkfs formats a block device: it lays out allocation groups and
// writes a superblock, a free space header, an inode header and an empty
// free space btree at the start of each group.
package mkfs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/poundfs/poundfs/pkg/blockdev"
	"github.com/poundfs/poundfs/pkg/btree"
	"github.com/poundfs/poundfs/pkg/common/log"
	"github.com/poundfs/poundfs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultBlockSize is the default logical block size
	DefaultBlockSize = 4096
	// DefaultAGBlocks is the default allocation group length in logical blocks
	DefaultAGBlocks = 10240
	// DefaultInodeSize is the on-disk inode size recorded in the superblock
	DefaultInodeSize = 512

	// MinAGBlocks is the shortest group that can hold its headers, the
	// free space root and one free block.
	MinAGBlocks = 3

	// bnoRootAGBlock is the group-relative block of the free space btree root
	bnoRootAGBlock = 1
	// firstFreeAGBlock is the first group-relative block left free by mkfs
	firstFreeAGBlock = 2
)

// ErrInvalidOptions is returned for unusable format options
var ErrInvalidOptions = errors.New("invalid mkfs options")

// Options controls the filesystem geometry.
type Options struct {
	// Size is the number of bytes to format. Zero formats the whole device.
	Size uint64
	// BlockSize is the logical block size in bytes
	BlockSize uint32
	// AGBlocks is the length of every allocation group but the last
	AGBlocks uint32
	// Name is the filesystem label
	Name string
}

// DefaultOptions returns the standard geometry for a device of size bytes.
func DefaultOptions(size uint64) Options {
	return Options{
		Size:      size,
		BlockSize: DefaultBlockSize,
		AGBlocks:  DefaultAGBlocks,
	}
}

// Validate checks the options against a device with the given sector size
// and capacity in bytes.
func (o Options) Validate(sectSize int, capacity uint64) error {
	if !isPowerOfTwo(o.BlockSize) {
		return fmt.Errorf("%w: block size %d is not a power of two", ErrInvalidOptions, o.BlockSize)
	}
	if sectSize <= 0 || o.BlockSize < uint32(sectSize) || o.BlockSize%uint32(sectSize) != 0 {
		return fmt.Errorf("%w: block size %d is not a multiple of sector size %d", ErrInvalidOptions, o.BlockSize, sectSize)
	}
	if o.BlockSize < 3*uint32(sectSize) {
		return fmt.Errorf("%w: block size %d cannot hold the group headers", ErrInvalidOptions, o.BlockSize)
	}
	if o.AGBlocks < MinAGBlocks {
		return fmt.Errorf("%w: allocation group of %d blocks is below the minimum %d", ErrInvalidOptions, o.AGBlocks, MinAGBlocks)
	}
	if o.Size > capacity {
		return fmt.Errorf("%w: size %s exceeds device capacity %s", ErrInvalidOptions, HumanSize(o.Size), HumanSize(capacity))
	}
	if o.Size < uint64(o.BlockSize)*MinAGBlocks {
		return fmt.Errorf("%w: size %s is too small", ErrInvalidOptions, HumanSize(o.Size))
	}
	if len(o.Name) > MaxNameLen {
		return fmt.Errorf("%w: name %q is longer than %d bytes", ErrInvalidOptions, o.Name, MaxNameLen)
	}
	return nil
}

// Geometry summarizes a formatted filesystem.
type Geometry struct {
	UUID         uuid.UUID
	BlockSize    uint32
	SectSize     uint32
	DBlocks      uint64
	AGBlocks     uint32
	AGCount      uint32
	LastAGBlocks uint32
	FreeBlocks   uint64
}

// AGStart returns the first logical block of group agno.
func (g *Geometry) AGStart(agno uint32) uint64 {
	return uint64(agno) * uint64(g.AGBlocks)
}

// AGLength returns the length in blocks of group agno.
func (g *Geometry) AGLength(agno uint32) uint32 {
	if agno+1 == g.AGCount {
		return g.LastAGBlocks
	}
	return g.AGBlocks
}

// Formatter writes filesystem metadata to a device.
type Formatter struct {
	dev    blockdev.Device
	logger log.Logger
	tel    telemetry.Telemetry
}

// NewFormatter creates a formatter. Nil logger and telemetry fall back to
// the default logger and the no-op telemetry.
func NewFormatter(dev blockdev.Device, logger log.Logger, tel telemetry.Telemetry) *Formatter {
	if logger == nil {
		logger = log.Component("mkfs")
	}
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	return &Formatter{dev: dev, logger: logger, tel: tel}
}

// MakeFS formats dev with default logging and no telemetry.
func MakeFS(dev blockdev.Device, opts Options) (*Geometry, error) {
	return NewFormatter(dev, nil, nil).MakeFS(context.Background(), opts)
}

// MakeFS splits the device into allocation groups and initializes each one.
// A trailing group shorter than MinAGBlocks is left unused.
func (f *Formatter) MakeFS(ctx context.Context, opts Options) (*Geometry, error) {
	ctx, span := f.tel.StartSpan(ctx, "mkfs.MakeFS",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentMkfs))
	defer span.End()
	start := time.Now()

	sectSize := f.dev.BlockSize()
	capacity := f.dev.NumBlocks() * uint64(sectSize)
	if opts.Size == 0 {
		opts.Size = capacity
	}
	if err := opts.Validate(sectSize, capacity); err != nil {
		span.RecordError(err)
		return nil, err
	}

	sb := f.newSuperBlock(opts, sectSize)
	geo := &Geometry{
		UUID:      sb.UUID,
		BlockSize: sb.BlockSize,
		SectSize:  uint32(sectSize),
		DBlocks:   sb.DBlocks,
		AGBlocks:  sb.AGBlocks,
		AGCount:   sb.AGCount,
	}
	geo.LastAGBlocks = uint32(sb.DBlocks - uint64(sb.AGCount-1)*uint64(sb.AGBlocks))
	for agno := uint32(0); agno < geo.AGCount; agno++ {
		geo.FreeBlocks += uint64(geo.AGLength(agno) - firstFreeAGBlock)
	}
	sb.FDBlocks = geo.FreeBlocks

	f.logger.Info("size=%s, ag_size=%s, ag_count=%d, last_ag_size=%s",
		HumanSize(opts.Size),
		HumanSize(uint64(opts.AGBlocks)*uint64(opts.BlockSize)),
		geo.AGCount,
		HumanSize(uint64(geo.LastAGBlocks)*uint64(opts.BlockSize)))

	for agno := uint32(0); agno < geo.AGCount; agno++ {
		if err := f.InitAG(sb, agno, geo.AGStart(agno), geo.AGLength(agno)); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("init ag %d: %w", agno, err)
		}
	}

	if err := f.dev.Sync(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("sync: %w", err)
	}

	telemetry.RecordDuration(ctx, f.tel, "poundfs.mkfs.duration", start,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentMkfs),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeMkfs))
	return geo, nil
}

func (f *Formatter) newSuperBlock(opts Options, sectSize int) *SuperBlock {
	dblocks := opts.Size / uint64(opts.BlockSize)
	agcount := uint32((dblocks + uint64(opts.AGBlocks) - 1) / uint64(opts.AGBlocks))
	last := dblocks - uint64(agcount-1)*uint64(opts.AGBlocks)
	if agcount > 1 && last < MinAGBlocks {
		f.logger.Warn("Dropping %d block trailing allocation group", last)
		agcount--
		dblocks -= last
	}

	sb := &SuperBlock{
		Magic:         SuperBlockMagic,
		BlockSize:     opts.BlockSize,
		DBlocks:       dblocks,
		UUID:          uuid.New(),
		AGBlocks:      opts.AGBlocks,
		AGCount:       agcount,
		Version:       1,
		SectSize:      uint16(sectSize),
		InodeSize:     DefaultInodeSize,
		InoPBlock:     uint16(opts.BlockSize / DefaultInodeSize),
		BlockSizeBits: ffs(opts.BlockSize) - 1,
		SectSizeBits:  log2(uint32(sectSize)),
		InodeSizeBits: log2(DefaultInodeSize),
		AGBlocksBits:  ffs(opts.AGBlocks) - 1,
		IMaxPct:       25,
	}
	sb.InoPBlockBits = log2(uint32(sb.InoPBlock))
	copy(sb.FSName[:], opts.Name)
	return sb
}

// InitAG writes the headers of group agno, which starts at logical block
// startBlock and spans length blocks: the superblock copy in sector 0, the
// AGF in sector 1, the AGI in sector 2, and a free space btree root holding
// one extent in the group's second block.
func (f *Formatter) InitAG(sb *SuperBlock, agno uint32, startBlock uint64, length uint32) error {
	if length < MinAGBlocks {
		return fmt.Errorf("%w: group %d has %d blocks", ErrInvalidOptions, agno, length)
	}

	sectSize := uint64(sb.SectSize)
	base := startBlock * uint64(sb.BlockSize)
	f.logger.Debug("init_ag: ag_no=%d, ag_size=%s, start_block=%d, addr=%s",
		agno, HumanSize(uint64(length)*uint64(sb.BlockSize)), startBlock, HexAddr(base))

	sbSector, err := sb.Encode(int(sectSize))
	if err != nil {
		return err
	}
	if err := blockdev.WriteAllAt(f.dev, base, sbSector); err != nil {
		return fmt.Errorf("write superblock at %s: %w", HexAddr(base), err)
	}

	free := length - firstFreeAGBlock
	agf := NewAGF(agno, length, sb.UUID)
	agf.Roots[0] = bnoRootAGBlock
	agf.Levels[0] = 1
	agf.FreeBlks = free
	agf.Longest = free
	agfSector, err := agf.Encode(int(sectSize))
	if err != nil {
		return err
	}
	if err := blockdev.WriteAllAt(f.dev, base+sectSize, agfSector); err != nil {
		return fmt.Errorf("write agf at %s: %w", HexAddr(base+sectSize), err)
	}

	agiSector, err := NewAGI(agno, length, sb.UUID).Encode(int(sectSize))
	if err != nil {
		return err
	}
	if err := blockdev.WriteAllAt(f.dev, base+2*sectSize, agiSector); err != nil {
		return fmt.Errorf("write agi at %s: %w", HexAddr(base+2*sectSize), err)
	}

	return f.initFreeSpace(sb, agno, startBlock, free)
}

// initFreeSpace formats the by-block free space btree root of a group and
// records the single free extent that follows it.
func (f *Formatter) initFreeSpace(sb *SuperBlock, agno uint32, startBlock uint64, free uint32) error {
	root := (startBlock + bnoRootAGBlock) * uint64(sb.BlockSize) / uint64(sb.SectSize)
	op, err := btree.New[uint32, btree.AllocRec](f.dev, root, btree.Uint32Key{}, btree.AllocRecCodec{},
		btree.WithOwner(agno),
		btree.WithLogger(f.logger),
		btree.WithTelemetry(f.tel))
	if err != nil {
		return fmt.Errorf("free space btree: %w", err)
	}
	if err := op.Create(); err != nil {
		return fmt.Errorf("free space btree: %w", err)
	}

	rec := btree.AllocRec{StartBlock: firstFreeAGBlock, BlockCount: free}
	res, err := op.Set(rec.Key(), rec)
	if err != nil {
		return fmt.Errorf("free space btree: %w", err)
	}
	if res != btree.Inserted {
		return fmt.Errorf("free space btree: unexpected result %s", res)
	}
	return nil
}

// ReadSuperBlock reads the primary superblock from the first sector.
func ReadSuperBlock(dev blockdev.Device) (*SuperBlock, error) {
	sector := make([]byte, dev.BlockSize())
	if err := blockdev.ReadAt(dev, 0, sector); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	return DecodeSuperBlock(sector)
}

// ReadAGF reads the free space header of group agno.
func ReadAGF(dev blockdev.Device, sb *SuperBlock, agno uint32) (*AGF, error) {
	sector, err := readAGSector(dev, sb, agno, 1)
	if err != nil {
		return nil, fmt.Errorf("read agf %d: %w", agno, err)
	}
	return DecodeAGF(sector)
}

// ReadAGI reads the inode header of group agno.
func ReadAGI(dev blockdev.Device, sb *SuperBlock, agno uint32) (*AGI, error) {
	sector, err := readAGSector(dev, sb, agno, 2)
	if err != nil {
		return nil, fmt.Errorf("read agi %d: %w", agno, err)
	}
	return DecodeAGI(sector)
}

// FreeSpace opens the by-block free space btree of group agno.
func FreeSpace(dev blockdev.Device, sb *SuperBlock, agno uint32) (*btree.Operator[uint32, btree.AllocRec], error) {
	if agno >= sb.AGCount {
		return nil, fmt.Errorf("%w: group %d of %d", ErrInvalidOptions, agno, sb.AGCount)
	}
	start := uint64(agno) * uint64(sb.AGBlocks)
	root := (start + bnoRootAGBlock) * uint64(sb.BlockSize) / uint64(sb.SectSize)
	return btree.New[uint32, btree.AllocRec](dev, root, btree.Uint32Key{}, btree.AllocRecCodec{})
}

func readAGSector(dev blockdev.Device, sb *SuperBlock, agno uint32, sector uint64) ([]byte, error) {
	if agno >= sb.AGCount {
		return nil, fmt.Errorf("%w: group %d of %d", ErrInvalidOptions, agno, sb.AGCount)
	}
	off := uint64(agno)*uint64(sb.AGBlocks)*uint64(sb.BlockSize) + sector*uint64(sb.SectSize)
	buf := make([]byte, sb.SectSize)
	if err := blockdev.ReadAt(dev, off, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
