package btree

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
)

// KeyCodec decodes and orders keys. A key is always decoded from the first
// Size bytes of an encoded record.
type KeyCodec[K any] interface {
	Size() int
	DecodeKey(b []byte) (K, error)
	Compare(a, b K) int
}

// ValueCodec encodes records of a fixed size.
type ValueCodec[V any] interface {
	Size() int
	Encode(dst []byte, v V) error
	Decode(b []byte) (V, error)
}

// FixedBytes is a codec for byte strings of exactly n bytes. It serves as
// both key and value codec; keys compare byte-wise.
type FixedBytes int

var (
	_ KeyCodec[[]byte]   = FixedBytes(0)
	_ ValueCodec[[]byte] = FixedBytes(0)
)

// Size returns n.
func (n FixedBytes) Size() int { return int(n) }

// DecodeKey copies the first n bytes of b.
func (n FixedBytes) DecodeKey(b []byte) ([]byte, error) {
	return n.Decode(b)
}

// Compare orders keys byte-wise.
func (n FixedBytes) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// Encode copies v, which must be exactly n bytes long, into dst.
func (n FixedBytes) Encode(dst []byte, v []byte) error {
	if len(v) != int(n) {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrBadRecord, int(n), len(v))
	}
	copy(dst, v)
	return nil
}

// Decode returns a copy of the first n bytes of b.
func (n FixedBytes) Decode(b []byte) ([]byte, error) {
	if len(b) < int(n) {
		return nil, fmt.Errorf("%w: short record", ErrCorrupt)
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Uint64Key decodes an 8 byte big endian key.
type Uint64Key struct{}

// Size returns 8.
func (Uint64Key) Size() int { return 8 }

// DecodeKey reads a big endian uint64 from b.
func (Uint64Key) DecodeKey(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("%w: short key", ErrCorrupt)
	}
	return binary.BigEndian.Uint64(b), nil
}

// Compare orders keys numerically.
func (Uint64Key) Compare(a, b uint64) int { return cmp.Compare(a, b) }

// Uint32Key decodes a 4 byte big endian key.
type Uint32Key struct{}

// Size returns 4.
func (Uint32Key) Size() int { return 4 }

// DecodeKey reads a big endian uint32 from b.
func (Uint32Key) DecodeKey(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: short key", ErrCorrupt)
	}
	return binary.BigEndian.Uint32(b), nil
}

// Compare orders keys numerically.
func (Uint32Key) Compare(a, b uint32) int { return cmp.Compare(a, b) }

// AllocRec describes one free space extent.
type AllocRec struct {
	StartBlock uint32
	BlockCount uint32
}

// AllocRecCodec encodes an AllocRec as two big endian words so that the
// record is keyed by StartBlock through Uint32Key.
type AllocRecCodec struct{}

// Size returns 8.
func (AllocRecCodec) Size() int { return 8 }

// Encode writes StartBlock then BlockCount into dst.
func (AllocRecCodec) Encode(dst []byte, r AllocRec) error {
	binary.BigEndian.PutUint32(dst[0:4], r.StartBlock)
	binary.BigEndian.PutUint32(dst[4:8], r.BlockCount)
	return nil
}

// Decode reads an AllocRec written by Encode.
func (AllocRecCodec) Decode(b []byte) (AllocRec, error) {
	if len(b) < 8 {
		return AllocRec{}, fmt.Errorf("%w: short alloc record", ErrCorrupt)
	}
	return AllocRec{
		StartBlock: binary.BigEndian.Uint32(b[0:4]),
		BlockCount: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Key returns the key an AllocRec is stored under.
func (r AllocRec) Key() uint32 { return r.StartBlock }
