// Package blockdev is the block I/O layer: a device contract over fixed-size
// physical blocks plus byte-addressed reads and writes derived from it.
package blockdev

import (
	"errors"
)

// DefaultBlockSize is the physical block size of the file backed adapter.
const DefaultBlockSize = 512

var (
	// ErrOutOfRange is returned for a block id past the end of the device
	ErrOutOfRange = errors.New("block out of range")
	// ErrBadBufferSize is returned when a block buffer is not exactly one block long
	ErrBadBufferSize = errors.New("buffer is not block sized")
	// ErrClosed is returned by every operation on a closed device
	ErrClosed = errors.New("device is closed")
)

// Device reads and writes whole physical blocks. Both transfers either
// complete or fail; there is no partial success. Implementations are safe for
// concurrent use at block granularity.
type Device interface {
	// BlockSize returns the physical block size in bytes
	BlockSize() int
	// NumBlocks returns the number of addressable blocks
	NumBlocks() uint64
	// ReadBlock fills buf, which must be exactly BlockSize long, with block id
	ReadBlock(id uint64, buf []byte) error
	// WriteBlock stores buf, which must be exactly BlockSize long, as block id
	WriteBlock(id uint64, buf []byte) error
	// Sync flushes pending writes to the backing medium
	Sync() error
	// Close releases the device
	Close() error
}

// checkBlock validates a block transfer against the device geometry.
func checkBlock(dev Device, id uint64, buf []byte) error {
	if len(buf) != dev.BlockSize() {
		return ErrBadBufferSize
	}
	if id >= dev.NumBlocks() {
		return ErrOutOfRange
	}
	return nil
}
