package blockdev

import (
	"fmt"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
)

// MMapDevice implements Device on a memory mapped image file. Writes land in
// the shared mapping; Sync flushes them to the file.
type MMapDevice struct {
	mu        sync.RWMutex
	file      *os.File
	data      mmap.MMap
	blockSize int
	numBlocks uint64
	closed    bool
}

var _ Device = (*MMapDevice)(nil)

// OpenMMap maps an existing image file read/write.
func OpenMMap(path string) (*MMapDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image file: %w", err)
	}

	numBlocks := uint64(info.Size()) / DefaultBlockSize
	if numBlocks == 0 {
		f.Close()
		return nil, fmt.Errorf("image file %s is smaller than one block", path)
	}

	data, err := mmap.MapRegion(f, int(numBlocks*DefaultBlockSize), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map image file: %w", err)
	}

	return &MMapDevice{
		file:      f,
		data:      data,
		blockSize: DefaultBlockSize,
		numBlocks: numBlocks,
	}, nil
}

func (d *MMapDevice) BlockSize() int { return d.blockSize }

func (d *MMapDevice) NumBlocks() uint64 { return d.numBlocks }

func (d *MMapDevice) ReadBlock(id uint64, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if err := checkBlock(d, id, buf); err != nil {
		return err
	}

	off := id * uint64(d.blockSize)
	copy(buf, d.data[off:off+uint64(d.blockSize)])
	return nil
}

func (d *MMapDevice) WriteBlock(id uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if err := checkBlock(d, id, buf); err != nil {
		return err
	}

	off := id * uint64(d.blockSize)
	copy(d.data[off:off+uint64(d.blockSize)], buf)
	return nil
}

func (d *MMapDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.data.Flush(); err != nil {
		return fmt.Errorf("mmap flush error: %w", err)
	}
	return nil
}

// Close flushes and unmaps the image and closes the file.
func (d *MMapDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.data.Flush(); err != nil {
		d.data.Unmap()
		d.file.Close()
		return fmt.Errorf("mmap flush error: %w", err)
	}
	if err := d.data.Unmap(); err != nil {
		d.file.Close()
		return fmt.Errorf("mmap unmap error: %w", err)
	}
	return d.file.Close()
}
