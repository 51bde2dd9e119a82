package blockdev

import (
	"fmt"
	"sync"
)

// MemoryDevice implements Device on an in-memory byte slice.
type MemoryDevice struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int
	closed    bool
}

var _ Device = (*MemoryDevice)(nil)

// NewMemory creates a zeroed device of size bytes with the given block size.
func NewMemory(size int64, blockSize int) (*MemoryDevice, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	if size <= 0 || size%int64(blockSize) != 0 {
		return nil, fmt.Errorf("size %d is not a positive multiple of %d", size, blockSize)
	}
	return &MemoryDevice{
		data:      make([]byte, size),
		blockSize: blockSize,
	}, nil
}

func (m *MemoryDevice) BlockSize() int { return m.blockSize }

func (m *MemoryDevice) NumBlocks() uint64 {
	return uint64(len(m.data) / m.blockSize)
}

func (m *MemoryDevice) ReadBlock(id uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if err := checkBlock(m, id, buf); err != nil {
		return err
	}

	off := id * uint64(m.blockSize)
	copy(buf, m.data[off:off+uint64(m.blockSize)])
	return nil
}

func (m *MemoryDevice) WriteBlock(id uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if err := checkBlock(m, id, buf); err != nil {
		return err
	}

	off := id * uint64(m.blockSize)
	copy(m.data[off:off+uint64(m.blockSize)], buf)
	return nil
}

func (m *MemoryDevice) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryDevice) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Bytes returns a copy of the whole device contents.
func (m *MemoryDevice) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}
