package mkfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// SuperBlockMagic identifies a superblock ("sfdp")
	SuperBlockMagic uint32 = 0x73666470
	// AGFMagic identifies an allocation group free space header
	AGFMagic uint32 = 0x01231023
	// AGIMagic identifies an allocation group inode header ("XAGI")
	AGIMagic uint32 = 0x58414749

	// NullAGIno marks an unused inode slot in AGI fields
	NullAGIno uint32 = 0xFFFFFFFF

	// AGFBTreeCount is the number of btree roots tracked by an AGF (bno, cnt, rmap)
	AGFBTreeCount = 3
	// AGIUnlinkedBuckets is the size of the AGI unlinked inode hash table
	AGIUnlinkedBuckets = 64
	// MaxNameLen is the longest filesystem label that fits the superblock
	MaxNameLen = 12
)

var (
	// ErrBadMagic is returned when a header does not carry the expected magic
	ErrBadMagic = errors.New("bad magic number")
	// ErrChecksum is returned when a header fails its checksum
	ErrChecksum = errors.New("checksum mismatch")
)

// SuperBlock describes the whole filesystem. A copy is written at the start
// of every allocation group.
type SuperBlock struct {
	Magic         uint32
	BlockSize     uint32
	DBlocks       uint64
	RBlocks       uint64
	RExtents      uint64
	UUID          uuid.UUID
	RootIno       uint64
	RBMIno        uint64
	RExtSize      uint32
	AGBlocks      uint32
	AGCount       uint32
	RBMBlocks     uint32
	LogBlocks     uint32
	Version       uint16
	SectSize      uint16
	InodeSize     uint16
	InoPBlock     uint16
	FSName        [MaxNameLen]byte
	BlockSizeBits uint8
	SectSizeBits  uint8
	InodeSizeBits uint8
	InoPBlockBits uint8
	AGBlocksBits  uint8
	RExtSizeBits  uint8
	InProgress    uint8
	IMaxPct       uint8
	ICount        uint64
	IFree         uint64
	FDBlocks      uint64
	FRExtents     uint64
	UQuotIno      uint64
	GQuotIno      uint64
	QFlags        uint32
	Flags         uint32
	InoAlignmt    uint32
	CRC           uint32
}

// Name returns the filesystem label without trailing NULs.
func (sb *SuperBlock) Name() string {
	return string(bytes.TrimRight(sb.FSName[:], "\x00"))
}

// AGF is the free space header of one allocation group.
type AGF struct {
	Magic      uint32
	VersionNum uint32
	SeqNo      uint32
	Length     uint32
	Roots      [AGFBTreeCount]uint32
	Spare0     uint32
	Levels     [AGFBTreeCount]uint32
	Spare1     uint32
	FLFirst    uint32
	FLLast     uint32
	FLCount    uint32
	FreeBlks   uint32
	Longest    uint32
	BTreeBlks  uint32
	UUID       uuid.UUID
	LSN        uint64
	CRC        uint32
}

// AGI is the inode header of one allocation group.
type AGI struct {
	Magic      uint32
	VersionNum uint32
	SeqNo      uint32
	Length     uint32
	Count      uint32
	Root       uint32
	Level      uint32
	FreeCount  uint32
	NewIno     uint32
	DirIno     uint32
	Unlinked   [AGIUnlinkedBuckets]uint32
	UUID       uuid.UUID
	LSN        uint64
	FreeRoot   uint32
	FreeLevel  uint32
	IBlocks    uint32
	FBlocks    uint32
	CRC        uint32
}

// encodeSealed serializes v, which must end in a uint32 CRC field, into a
// sector of sectSize bytes with the CRC covering every byte before it.
func encodeSealed(v any, sectSize int) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	n := buf.Len()
	if n > sectSize {
		return nil, fmt.Errorf("%T needs %d bytes, sector is %d", v, n, sectSize)
	}

	sector := make([]byte, sectSize)
	copy(sector, buf.Bytes())
	binary.LittleEndian.PutUint32(sector[n-4:n], uint32(xxhash.Sum64(sector[:n-4])))
	return sector, nil
}

// decodeSector parses v from the front of a sector.
func decodeSector(sector []byte, v any) error {
	n := binary.Size(v)
	if n < 0 || len(sector) < n {
		return fmt.Errorf("%T needs %d bytes, got %d", v, n, len(sector))
	}
	return binary.Read(bytes.NewReader(sector[:n]), binary.LittleEndian, v)
}

// verifySealed checks the CRC that encodeSealed stored for v.
func verifySealed(sector []byte, v any) error {
	n := binary.Size(v)
	stored := binary.LittleEndian.Uint32(sector[n-4 : n])
	if sum := uint32(xxhash.Sum64(sector[:n-4])); sum != stored {
		return fmt.Errorf("%w: %T stored %#08x, computed %#08x", ErrChecksum, v, stored, sum)
	}
	return nil
}

// Encode returns the superblock as one sector.
func (sb *SuperBlock) Encode(sectSize int) ([]byte, error) {
	return encodeSealed(sb, sectSize)
}

// DecodeSuperBlock parses and validates a superblock sector.
func DecodeSuperBlock(sector []byte) (*SuperBlock, error) {
	sb := new(SuperBlock)
	if err := decodeSector(sector, sb); err != nil {
		return nil, err
	}
	if sb.Magic != SuperBlockMagic {
		return nil, fmt.Errorf("%w: superblock %#08x", ErrBadMagic, sb.Magic)
	}
	if err := verifySealed(sector, sb); err != nil {
		return nil, err
	}
	return sb, nil
}

// NewAGF returns the free space header of a freshly formatted group.
func NewAGF(agno, length uint32, fsUUID uuid.UUID) *AGF {
	return &AGF{
		Magic:   AGFMagic,
		SeqNo:   agno,
		Length:  length,
		FLFirst: 1,
		UUID:    fsUUID,
	}
}

// Encode returns the AGF as one sector.
func (agf *AGF) Encode(sectSize int) ([]byte, error) {
	return encodeSealed(agf, sectSize)
}

// DecodeAGF parses and validates an AGF sector.
func DecodeAGF(sector []byte) (*AGF, error) {
	agf := new(AGF)
	if err := decodeSector(sector, agf); err != nil {
		return nil, err
	}
	if agf.Magic != AGFMagic {
		return nil, fmt.Errorf("%w: agf %#08x", ErrBadMagic, agf.Magic)
	}
	if err := verifySealed(sector, agf); err != nil {
		return nil, err
	}
	return agf, nil
}

// NewAGI returns the inode header of a freshly formatted group. Every
// unlinked bucket starts empty.
func NewAGI(agno, length uint32, fsUUID uuid.UUID) *AGI {
	agi := &AGI{
		Magic:  AGIMagic,
		SeqNo:  agno,
		Length: length,
		NewIno: NullAGIno,
		DirIno: NullAGIno,
		UUID:   fsUUID,
	}
	for i := range agi.Unlinked {
		agi.Unlinked[i] = NullAGIno
	}
	return agi
}

// Encode returns the AGI as one sector.
func (agi *AGI) Encode(sectSize int) ([]byte, error) {
	return encodeSealed(agi, sectSize)
}

// DecodeAGI parses and validates an AGI sector.
func DecodeAGI(sector []byte) (*AGI, error) {
	agi := new(AGI)
	if err := decodeSector(sector, agi); err != nil {
		return nil, err
	}
	if agi.Magic != AGIMagic {
		return nil, fmt.Errorf("%w: agi %#08x", ErrBadMagic, agi.Magic)
	}
	if err := verifySealed(sector, agi); err != nil {
		return nil, err
	}
	return agi, nil
}
