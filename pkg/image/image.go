// Package image exports a block device to a compressed stream and imports
// it back.
//
// Stream layout: a 24 byte little-endian header (magic, codec, block size,
// reserved, block count) followed by the codec-compressed block contents
// and an xxhash64 digest of those contents.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/poundfs/poundfs/pkg/blockdev"
)

const (
	// Magic starts every image stream ("PIMG")
	Magic uint32 = 0x504d4947
	// HeaderSize is the size of the uncompressed stream header
	HeaderSize = 24
)

var (
	// ErrBadImage is returned for streams with a bad header or digest
	ErrBadImage = errors.New("invalid image stream")
	// ErrGeometry is returned when an image does not fit the target device
	ErrGeometry = errors.New("image does not match device geometry")
)

// Header describes an image stream.
type Header struct {
	Codec      Codec
	BlockSize  uint32
	BlockCount uint64
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Codec))
	binary.LittleEndian.PutUint32(buf[8:12], h.BlockSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.BlockCount)
	return buf
}

// ReadHeader reads and validates a stream header.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("%w: read header: %v", ErrBadImage, err)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %#08x", ErrBadImage, magic)
	}

	h := Header{
		Codec:      Codec(binary.LittleEndian.Uint32(buf[4:8])),
		BlockSize:  binary.LittleEndian.Uint32(buf[8:12]),
		BlockCount: binary.LittleEndian.Uint64(buf[16:24]),
	}
	if h.Codec > Snappy {
		return Header{}, fmt.Errorf("%w: %v", ErrUnknownCodec, h.Codec)
	}
	if h.BlockSize == 0 {
		return Header{}, fmt.Errorf("%w: zero block size", ErrBadImage)
	}
	return h, nil
}

// Export writes every block of dev to w.
func Export(dev blockdev.Device, w io.Writer, codec Codec) error {
	h := Header{Codec: codec, BlockSize: uint32(dev.BlockSize()), BlockCount: dev.NumBlocks()}

	if codec > Snappy {
		return fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
	if _, err := w.Write(h.encode()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	cw, err := newCompressWriter(w, codec)
	if err != nil {
		return err
	}

	digest := xxhash.New()
	block := make([]byte, dev.BlockSize())
	for id := uint64(0); id < h.BlockCount; id++ {
		if err := dev.ReadBlock(id, block); err != nil {
			cw.Close()
			return fmt.Errorf("read block %d: %w", id, err)
		}
		digest.Write(block)
		if _, err := cw.Write(block); err != nil {
			cw.Close()
			return fmt.Errorf("write block %d: %w", id, err)
		}
	}

	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], digest.Sum64())
	if _, err := cw.Write(sum[:]); err != nil {
		cw.Close()
		return fmt.Errorf("write digest: %w", err)
	}
	return cw.Close()
}

// Import restores an image from r onto dev. The device must have the same
// block size and at least as many blocks as the image.
func Import(r io.Reader, dev blockdev.Device) (Header, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return h, err
	}
	if int(h.BlockSize) != dev.BlockSize() {
		return h, fmt.Errorf("%w: image block size %d, device %d", ErrGeometry, h.BlockSize, dev.BlockSize())
	}
	if h.BlockCount > dev.NumBlocks() {
		return h, fmt.Errorf("%w: image has %d blocks, device %d", ErrGeometry, h.BlockCount, dev.NumBlocks())
	}

	cr, err := newCompressReader(r, h.Codec)
	if err != nil {
		return h, err
	}
	defer cr.Close()

	digest := xxhash.New()
	block := make([]byte, h.BlockSize)
	for id := uint64(0); id < h.BlockCount; id++ {
		if _, err := io.ReadFull(cr, block); err != nil {
			return h, fmt.Errorf("%w: block %d: %v", ErrBadImage, id, err)
		}
		digest.Write(block)
		if err := dev.WriteBlock(id, block); err != nil {
			return h, fmt.Errorf("write block %d: %w", id, err)
		}
	}

	var sum [8]byte
	if _, err := io.ReadFull(cr, sum[:]); err != nil {
		return h, fmt.Errorf("%w: digest: %v", ErrBadImage, err)
	}
	if got := binary.LittleEndian.Uint64(sum[:]); got != digest.Sum64() {
		return h, fmt.Errorf("%w: digest mismatch", ErrBadImage)
	}

	if err := dev.Sync(); err != nil {
		return h, fmt.Errorf("sync: %w", err)
	}
	return h, nil
}
