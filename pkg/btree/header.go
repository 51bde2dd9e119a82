package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// HeaderSize is the encoded size of a block header.
	HeaderSize = 64
	// Magic identifies a record store block ("AB3B").
	Magic uint32 = 0x41423342
	// NullBlock marks an absent sibling.
	NullBlock = ^uint64(0)

	crcOffset = 60
)

// Header is the fixed prefix of every record store block.
//
// Layout (little-endian):
//
//	0  magic         u32
//	4  level         u16
//	6  numrecs       u16
//	8  left sibling  u64
//	16 right sibling u64
//	24 blkno         u64
//	32 lsn           u64
//	40 uuid          [16]byte
//	56 owner         u32
//	60 crc           u32
type Header struct {
	Magic        uint32
	Level        uint16
	NumRecs      uint16
	LeftSibling  uint64
	RightSibling uint64
	Blkno        uint64
	LSN          uint64
	UUID         uuid.UUID
	Owner        uint32
	CRC          uint32
}

// NewHeader returns an empty leaf header for block blkno with a fresh UUID.
func NewHeader(blkno uint64, owner uint32) Header {
	return Header{
		Magic:        Magic,
		LeftSibling:  NullBlock,
		RightSibling: NullBlock,
		Blkno:        blkno,
		UUID:         uuid.New(),
		Owner:        owner,
	}
}

// Encode writes the header into the first HeaderSize bytes of buf.
func (h *Header) Encode(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Level)
	binary.LittleEndian.PutUint16(buf[6:8], h.NumRecs)
	binary.LittleEndian.PutUint64(buf[8:16], h.LeftSibling)
	binary.LittleEndian.PutUint64(buf[16:24], h.RightSibling)
	binary.LittleEndian.PutUint64(buf[24:32], h.Blkno)
	binary.LittleEndian.PutUint64(buf[32:40], h.LSN)
	copy(buf[40:56], h.UUID[:])
	binary.LittleEndian.PutUint32(buf[56:60], h.Owner)
	binary.LittleEndian.PutUint32(buf[60:64], h.CRC)
}

// DecodeHeader parses a header and checks its magic number.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: header needs %d bytes, got %d", ErrCorrupt, HeaderSize, len(buf))
	}

	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != Magic {
		return h, fmt.Errorf("%w: bad magic %#08x", ErrCorrupt, h.Magic)
	}
	h.Level = binary.LittleEndian.Uint16(buf[4:6])
	h.NumRecs = binary.LittleEndian.Uint16(buf[6:8])
	h.LeftSibling = binary.LittleEndian.Uint64(buf[8:16])
	h.RightSibling = binary.LittleEndian.Uint64(buf[16:24])
	h.Blkno = binary.LittleEndian.Uint64(buf[24:32])
	h.LSN = binary.LittleEndian.Uint64(buf[32:40])
	copy(h.UUID[:], buf[40:56])
	h.Owner = binary.LittleEndian.Uint32(buf[56:60])
	h.CRC = binary.LittleEndian.Uint32(buf[60:64])

	return h, nil
}

// Checksum returns the block checksum: the low 32 bits of xxhash64 over the
// block with the crc field read as zero.
func Checksum(block []byte) uint32 {
	var zero [4]byte
	d := xxhash.New()
	d.Write(block[:crcOffset])
	d.Write(zero[:])
	d.Write(block[HeaderSize:])
	return uint32(d.Sum64())
}

// Seal stores the checksum of block in its crc field and returns it.
func Seal(block []byte) uint32 {
	sum := Checksum(block)
	binary.LittleEndian.PutUint32(block[crcOffset:HeaderSize], sum)
	return sum
}

// Verify checks the crc field of block against its contents.
func Verify(block []byte) error {
	if len(block) < HeaderSize {
		return fmt.Errorf("%w: block shorter than header", ErrCorrupt)
	}
	stored := binary.LittleEndian.Uint32(block[crcOffset:HeaderSize])
	if sum := Checksum(block); sum != stored {
		return fmt.Errorf("%w: checksum mismatch: stored %#08x, computed %#08x", ErrCorrupt, stored, sum)
	}
	return nil
}
