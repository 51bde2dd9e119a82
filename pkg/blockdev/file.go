package blockdev

import (
	"fmt"
	"os"
	"sync/atomic"
)

// FileDevice implements Device on a regular image file with positional
// reads and writes, so it can be shared between goroutines.
type FileDevice struct {
	f         *os.File
	blockSize int
	numBlocks uint64
	closed    atomic.Bool
}

var _ Device = (*FileDevice)(nil)

// CreateFile creates (or truncates) an image file of size bytes and opens it.
func CreateFile(path string, size int64) (*FileDevice, error) {
	if size <= 0 || size%DefaultBlockSize != 0 {
		return nil, fmt.Errorf("image size %d is not a positive multiple of %d", size, DefaultBlockSize)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image file %s: %w", path, err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size image file: %w", err)
	}

	return &FileDevice{
		f:         f,
		blockSize: DefaultBlockSize,
		numBlocks: uint64(size) / DefaultBlockSize,
	}, nil
}

// OpenFile opens an existing image file. Trailing bytes that do not fill a
// whole block are not addressable.
func OpenFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image file: %w", err)
	}

	return &FileDevice{
		f:         f,
		blockSize: DefaultBlockSize,
		numBlocks: uint64(info.Size()) / DefaultBlockSize,
	}, nil
}

func (fd *FileDevice) BlockSize() int { return fd.blockSize }

func (fd *FileDevice) NumBlocks() uint64 { return fd.numBlocks }

// Path returns the image file name.
func (fd *FileDevice) Path() string { return fd.f.Name() }

func (fd *FileDevice) ReadBlock(id uint64, buf []byte) error {
	if fd.closed.Load() {
		return ErrClosed
	}
	if err := checkBlock(fd, id, buf); err != nil {
		return err
	}

	if _, err := fd.f.ReadAt(buf, int64(id)*int64(fd.blockSize)); err != nil {
		return fmt.Errorf("disk read error: %w", err)
	}
	return nil
}

func (fd *FileDevice) WriteBlock(id uint64, buf []byte) error {
	if fd.closed.Load() {
		return ErrClosed
	}
	if err := checkBlock(fd, id, buf); err != nil {
		return err
	}

	if _, err := fd.f.WriteAt(buf, int64(id)*int64(fd.blockSize)); err != nil {
		return fmt.Errorf("disk write error: %w", err)
	}
	return nil
}

func (fd *FileDevice) Sync() error {
	if fd.closed.Load() {
		return ErrClosed
	}
	if err := fd.f.Sync(); err != nil {
		return fmt.Errorf("disk sync error: %w", err)
	}
	return nil
}

// Close syncs and closes the image file.
func (fd *FileDevice) Close() error {
	if !fd.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := fd.f.Sync(); err != nil {
		fd.f.Close()
		return fmt.Errorf("disk sync error: %w", err)
	}
	if err := fd.f.Close(); err != nil {
		return fmt.Errorf("disk close error: %w", err)
	}
	return nil
}
