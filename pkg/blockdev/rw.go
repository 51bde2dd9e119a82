package blockdev

import (
	"fmt"
)

// ReadAt copies len(buf) bytes starting at byte offset off into buf. The
// range must lie inside one physical block; a range that crosses a block
// boundary is a caller bug and panics.
func ReadAt(dev Device, off uint64, buf []byte) error {
	bs := uint64(dev.BlockSize())
	blockOff := off % bs
	if uint64(len(buf)) > bs-blockOff {
		panic(fmt.Sprintf("blockdev: read of %d bytes at %#x crosses a %d byte block boundary", len(buf), off, bs))
	}

	block := make([]byte, bs)
	id := off / bs
	if err := dev.ReadBlock(id, block); err != nil {
		return fmt.Errorf("read block %d: %w", id, err)
	}

	copy(buf, block[blockOff:])
	return nil
}

// WriteAt stores buf at byte offset off. The range must lie inside one
// physical block. The block is read first so bytes outside the range keep
// their previous contents.
func WriteAt(dev Device, off uint64, buf []byte) error {
	bs := uint64(dev.BlockSize())
	blockOff := off % bs
	if uint64(len(buf)) > bs-blockOff {
		panic(fmt.Sprintf("blockdev: write of %d bytes at %#x crosses a %d byte block boundary", len(buf), off, bs))
	}

	block := make([]byte, bs)
	id := off / bs
	if err := dev.ReadBlock(id, block); err != nil {
		return fmt.Errorf("read block %d: %w", id, err)
	}

	copy(block[blockOff:], buf)
	if err := dev.WriteBlock(id, block); err != nil {
		return fmt.Errorf("write block %d: %w", id, err)
	}
	return nil
}

// ReadAllAt fills buf from byte offset off, crossing block boundaries as
// needed. The first failing block read aborts the whole operation.
func ReadAllAt(dev Device, off uint64, buf []byte) error {
	bs := uint64(dev.BlockSize())
	block := make([]byte, bs)
	remain := uint64(len(buf))
	var done uint64

	for remain > 0 {
		id := off / bs
		blockOff := off % bs
		n := bs - blockOff
		if n > remain {
			n = remain
		}

		if err := dev.ReadBlock(id, block); err != nil {
			return fmt.Errorf("read block %d: %w", id, err)
		}
		copy(buf[done:done+n], block[blockOff:blockOff+n])

		done += n
		off += n
		remain -= n
	}

	return nil
}

// WriteAllAt stores buf at byte offset off, crossing block boundaries as
// needed. Blocks that are only partly covered are read first so their other
// bytes survive; fully covered blocks are written without a read. A failure
// aborts the operation and blocks already written stay written.
func WriteAllAt(dev Device, off uint64, buf []byte) error {
	bs := uint64(dev.BlockSize())
	block := make([]byte, bs)
	remain := uint64(len(buf))
	var done uint64

	for remain > 0 {
		id := off / bs
		blockOff := off % bs
		n := bs - blockOff
		if n > remain {
			n = remain
		}

		if n < bs {
			if err := dev.ReadBlock(id, block); err != nil {
				return fmt.Errorf("read block %d: %w", id, err)
			}
		}
		copy(block[blockOff:blockOff+n], buf[done:done+n])

		if err := dev.WriteBlock(id, block); err != nil {
			return fmt.Errorf("write block %d: %w", id, err)
		}

		done += n
		off += n
		remain -= n
	}

	return nil
}
