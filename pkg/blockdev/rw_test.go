package blockdev

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/poundfs/poundfs/pkg/stats"
)

// faultyDevice fails writes once failAfter writes have succeeded.
type faultyDevice struct {
	Device
	failAfter int
	writes    int
	failReads bool
}

var errInjected = errors.New("injected failure")

func (f *faultyDevice) ReadBlock(id uint64, buf []byte) error {
	if f.failReads {
		return errInjected
	}
	return f.Device.ReadBlock(id, buf)
}

func (f *faultyDevice) WriteBlock(id uint64, buf []byte) error {
	if f.writes >= f.failAfter {
		return errInjected
	}
	f.writes++
	return f.Device.WriteBlock(id, buf)
}

func newMemoryDevice(t *testing.T, blocks int) *MemoryDevice {
	t.Helper()
	dev, err := NewMemory(int64(blocks*DefaultBlockSize), DefaultBlockSize)
	if err != nil {
		t.Fatalf("Failed to create memory device: %v", err)
	}
	return dev
}

func fill(dev Device, t *testing.T, b byte) {
	t.Helper()
	block := bytes.Repeat([]byte{b}, dev.BlockSize())
	for id := uint64(0); id < dev.NumBlocks(); id++ {
		if err := dev.WriteBlock(id, block); err != nil {
			t.Fatalf("Failed to fill block %d: %v", id, err)
		}
	}
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + 3)
	}
	return buf
}

func TestReadWriteAt(t *testing.T) {
	dev := newMemoryDevice(t, 4)
	fill(dev, t, 0xFF)

	data := []byte("hello, block")
	if err := WriteAt(dev, 520, data); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	got := make([]byte, len(data))
	if err := ReadAt(dev, 520, got); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Expected %q, got %q", data, got)
	}

	raw := dev.Bytes()
	if raw[519] != 0xFF || raw[520+len(data)] != 0xFF {
		t.Error("WriteAt clobbered bytes outside its range")
	}
	if !bytes.Equal(raw[520:520+len(data)], data) {
		t.Error("Raw device contents do not match write")
	}
}

func TestReadWriteAtExactBlock(t *testing.T) {
	dev := newMemoryDevice(t, 2)
	data := pattern(DefaultBlockSize)

	if err := WriteAt(dev, DefaultBlockSize, data); err != nil {
		t.Fatalf("WriteAt of a whole block failed: %v", err)
	}
	got := make([]byte, DefaultBlockSize)
	if err := ReadAt(dev, DefaultBlockSize, got); err != nil {
		t.Fatalf("ReadAt of a whole block failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Whole block round trip mismatch")
	}
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic for a range crossing a block boundary", name)
		}
	}()
	fn()
}

func TestSingleBlockBoundaryPanics(t *testing.T) {
	dev := newMemoryDevice(t, 4)

	expectPanic(t, "ReadAt", func() {
		ReadAt(dev, 500, make([]byte, 20))
	})
	expectPanic(t, "WriteAt", func() {
		WriteAt(dev, 1, make([]byte, DefaultBlockSize))
	})
}

func TestReadWriteAllAtSpanning(t *testing.T) {
	dev := newMemoryDevice(t, 8)
	fill(dev, t, 0xAB)

	// Starts mid block 1, covers block 2 fully, ends mid block 3.
	off := uint64(DefaultBlockSize + 100)
	data := pattern(2*DefaultBlockSize + 50)

	if err := WriteAllAt(dev, off, data); err != nil {
		t.Fatalf("WriteAllAt failed: %v", err)
	}

	got := make([]byte, len(data))
	if err := ReadAllAt(dev, off, got); err != nil {
		t.Fatalf("ReadAllAt failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Spanning round trip mismatch")
	}

	raw := dev.Bytes()
	end := off + uint64(len(data))
	for i, b := range raw {
		if uint64(i) >= off && uint64(i) < end {
			continue
		}
		if b != 0xAB {
			t.Fatalf("Byte %d outside the written range changed to %#x", i, b)
		}
	}
}

func TestWriteAllAtTransferCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pound.img")
	file, err := CreateFile(path, 50*1024*1024)
	if err != nil {
		t.Fatalf("Failed to create image: %v", err)
	}
	dev := Instrument(file, nil, nil, "test")
	defer dev.Close()

	if dev.NumBlocks() != 102400 {
		t.Fatalf("Expected 102400 blocks, got %d", dev.NumBlocks())
	}

	data := pattern(5120)
	if err := WriteAllAt(dev, 0x100, data); err != nil {
		t.Fatalf("WriteAllAt failed: %v", err)
	}

	// Head block 0 and tail block 10 are partial; blocks 1-9 are full.
	if n := dev.Stats().Count(stats.OpWriteBlock); n != 11 {
		t.Errorf("Expected 11 block writes, got %d", n)
	}
	if n := dev.Stats().Count(stats.OpReadBlock); n != 2 {
		t.Errorf("Expected 2 block reads, got %d", n)
	}

	dev.Stats().Reset()
	got := make([]byte, len(data))
	if err := ReadAllAt(dev, 0x100, got); err != nil {
		t.Fatalf("ReadAllAt failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Read back data differs from written data")
	}
	if n := dev.Stats().Count(stats.OpReadBlock); n != 11 {
		t.Errorf("Expected 11 block reads, got %d", n)
	}

	head := make([]byte, 0x100)
	if err := ReadAt(dev, 0, head); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(head, make([]byte, 0x100)) {
		t.Error("Bytes before the write changed")
	}
}

func TestWriteAllAtAligned(t *testing.T) {
	mem := newMemoryDevice(t, 8)
	dev := Instrument(mem, stats.NewAtomicCollector(), nil, "mem")

	if err := WriteAllAt(dev, 2*DefaultBlockSize, pattern(3*DefaultBlockSize)); err != nil {
		t.Fatalf("WriteAllAt failed: %v", err)
	}
	if n := dev.Stats().Count(stats.OpReadBlock); n != 0 {
		t.Errorf("Aligned write should not read, got %d reads", n)
	}
	if n := dev.Stats().Count(stats.OpWriteBlock); n != 3 {
		t.Errorf("Expected 3 writes, got %d", n)
	}
}

func TestWriteAllAtAbortsOnFailure(t *testing.T) {
	mem := newMemoryDevice(t, 8)
	dev := &faultyDevice{Device: mem, failAfter: 2}

	data := pattern(4 * DefaultBlockSize)
	err := WriteAllAt(dev, 0, data)
	if !errors.Is(err, errInjected) {
		t.Fatalf("Expected injected error, got %v", err)
	}

	raw := mem.Bytes()
	if !bytes.Equal(raw[:2*DefaultBlockSize], data[:2*DefaultBlockSize]) {
		t.Error("Blocks written before the failure should stay written")
	}
	if !bytes.Equal(raw[2*DefaultBlockSize:4*DefaultBlockSize], make([]byte, 2*DefaultBlockSize)) {
		t.Error("Blocks after the failure should be untouched")
	}
}

func TestReadFailurePropagates(t *testing.T) {
	dev := &faultyDevice{Device: newMemoryDevice(t, 4), failAfter: 100, failReads: true}

	if err := ReadAt(dev, 10, make([]byte, 4)); !errors.Is(err, errInjected) {
		t.Errorf("ReadAt: expected injected error, got %v", err)
	}
	if err := WriteAt(dev, 10, make([]byte, 4)); !errors.Is(err, errInjected) {
		t.Errorf("WriteAt: expected injected error, got %v", err)
	}
	if err := ReadAllAt(dev, 10, make([]byte, 600)); !errors.Is(err, errInjected) {
		t.Errorf("ReadAllAt: expected injected error, got %v", err)
	}
	if err := WriteAllAt(dev, 10, make([]byte, 600)); !errors.Is(err, errInjected) {
		t.Errorf("WriteAllAt: expected injected error, got %v", err)
	}
	if dev.writes != 0 {
		t.Errorf("Expected no writes after a failed read, got %d", dev.writes)
	}
}

func TestInstrumentedTracksErrors(t *testing.T) {
	dev := Instrument(newMemoryDevice(t, 2), nil, nil, "mem")

	if err := dev.ReadBlock(5, make([]byte, DefaultBlockSize)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Expected ErrOutOfRange, got %v", err)
	}
	if err := dev.WriteBlock(0, make([]byte, DefaultBlockSize)); err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}

	s := dev.Stats().GetStats()
	errs, ok := s["errors"].(map[string]uint64)
	if !ok {
		t.Fatalf("Expected errors map in stats, got %T", s["errors"])
	}
	if errs["out_of_range"] != 1 {
		t.Errorf("Expected 1 out_of_range error, got %d", errs["out_of_range"])
	}
	if s["total_bytes_written"] != uint64(DefaultBlockSize) {
		t.Errorf("Expected %d bytes written, got %v", DefaultBlockSize, s["total_bytes_written"])
	}
}
