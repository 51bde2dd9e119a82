package btree

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/poundfs/poundfs/pkg/blockdev"
	"github.com/poundfs/poundfs/pkg/telemetry"
)

type failingDevice struct {
	blockdev.Device
	failReads  bool
	failWrites bool
}

var errDisk = errors.New("disk failure")

func (f *failingDevice) ReadBlock(id uint64, buf []byte) error {
	if f.failReads {
		return errDisk
	}
	return f.Device.ReadBlock(id, buf)
}

func (f *failingDevice) WriteBlock(id uint64, buf []byte) error {
	if f.failWrites {
		return errDisk
	}
	return f.Device.WriteBlock(id, buf)
}

func newMemDevice(t *testing.T) *blockdev.MemoryDevice {
	t.Helper()
	dev, err := blockdev.NewMemory(16*blockdev.DefaultBlockSize, blockdev.DefaultBlockSize)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	return dev
}

func newBytesOperator(t *testing.T, dev blockdev.Device) *Operator[[]byte, []byte] {
	t.Helper()
	op, err := New[[]byte, []byte](dev, 0, FixedBytes(8), FixedBytes(16), WithTelemetry(telemetry.NewForTesting()))
	if err != nil {
		t.Fatalf("Failed to create operator: %v", err)
	}
	if err := op.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return op
}

// seq returns the bytes i, i+1, ..., i+n-1.
func seq(i, n int) []byte {
	b := make([]byte, n)
	for j := range b {
		b[j] = byte(i + j)
	}
	return b
}

func TestOperatorSequentialKeys(t *testing.T) {
	dev, err := blockdev.CreateFile(filepath.Join(t.TempDir(), "btree.img"), 10*1024)
	if err != nil {
		t.Fatalf("Failed to create file device: %v", err)
	}
	defer dev.Close()

	op := newBytesOperator(t, dev)

	for i := 0; i <= 10; i++ {
		res, err := op.Set(seq(i, 8), seq(i, 16))
		if err != nil {
			t.Fatalf("Set(%d) failed: %v", i, err)
		}
		if res != Inserted {
			t.Fatalf("Set(%d): expected Inserted, got %s", i, res)
		}
	}

	for i := 0; i <= 10; i++ {
		v, err := op.Get(seq(i, 8))
		if err != nil {
			t.Fatalf("Get(%d) failed: %v", i, err)
		}
		if !bytes.Equal(v, seq(i, 16)) {
			t.Errorf("Get(%d): expected %x, got %x", i, seq(i, 16), v)
		}
	}

	if _, err := op.Get(seq(50, 8)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	// Raw record array must be in ascending key order.
	raw := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(0, raw); err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	hdr, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if hdr.NumRecs != 11 {
		t.Fatalf("Expected 11 records, got %d", hdr.NumRecs)
	}
	for i := 0; i < int(hdr.NumRecs); i++ {
		rec := raw[HeaderSize+16*i : HeaderSize+16*(i+1)]
		if !bytes.Equal(rec, seq(i, 16)) {
			t.Errorf("Raw record %d: expected %x, got %x", i, seq(i, 16), rec)
		}
	}
}

func TestOperatorRandomOrder(t *testing.T) {
	dev := newMemDevice(t)
	op, err := New[uint64, []byte](dev, 3, Uint64Key{}, FixedBytes(16))
	if err != nil {
		t.Fatalf("Failed to create operator: %v", err)
	}
	if err := op.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	order := []uint64{15, 3, 27, 9, 1, 22, 18, 4, 11, 26, 0, 7}
	for _, k := range order {
		if res, err := op.Set(k, uint64Record(k)); err != nil || res != Inserted {
			t.Fatalf("Set(%d): res %s err %v", k, res, err)
		}
	}

	var prev uint64
	count := 0
	err = op.Scan(func(k uint64, v []byte) bool {
		if count > 0 && k <= prev {
			t.Errorf("Scan out of order: %d after %d", k, prev)
		}
		if !bytes.Equal(v, uint64Record(k)) {
			t.Errorf("Value mismatch for key %d", k)
		}
		prev = k
		count++
		return true
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if count != len(order) {
		t.Errorf("Expected %d records, got %d", len(order), count)
	}

	for _, k := range []uint64{2, 5, 100} {
		if _, err := op.Get(k); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Get(%d): expected ErrKeyNotFound, got %v", k, err)
		}
	}

	// Other blocks stay untouched.
	raw := dev.Bytes()
	if !bytes.Equal(raw[:3*blockdev.DefaultBlockSize], make([]byte, 3*blockdev.DefaultBlockSize)) {
		t.Error("Operator wrote outside its root block")
	}
}

func TestOperatorScanStops(t *testing.T) {
	op := newBytesOperator(t, newMemDevice(t))
	for i := 0; i < 5; i++ {
		op.Set(seq(i, 8), seq(i, 16))
	}

	seen := 0
	if err := op.Scan(func(k, v []byte) bool {
		seen++
		return seen < 2
	}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if seen != 2 {
		t.Errorf("Expected scan to stop after 2 records, saw %d", seen)
	}
}

func TestOperatorCapacityExceeded(t *testing.T) {
	dev := newMemDevice(t)
	op := newBytesOperator(t, dev)

	capacity := (blockdev.DefaultBlockSize - HeaderSize) / 16
	for i := 0; i < capacity; i++ {
		if res, err := op.Set(seq(i, 8), seq(i, 16)); err != nil || res != Inserted {
			t.Fatalf("Set(%d): res %s err %v", i, res, err)
		}
	}

	before := dev.Bytes()
	res, err := op.Set(seq(200, 8), seq(200, 16))
	if err != nil {
		t.Fatalf("Set on full block returned error: %v", err)
	}
	if res != CapacityExceeded {
		t.Errorf("Expected CapacityExceeded, got %s", res)
	}
	if !bytes.Equal(before, dev.Bytes()) {
		t.Error("Full block was modified")
	}

	hdr, err := op.Header()
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if int(hdr.NumRecs) != capacity {
		t.Errorf("Expected %d records, got %d", capacity, hdr.NumRecs)
	}
	for i := 0; i < capacity; i++ {
		v, err := op.Get(seq(i, 8))
		if err != nil || !bytes.Equal(v, seq(i, 16)) {
			t.Fatalf("Record %d damaged: %x %v", i, v, err)
		}
	}
}

func TestOperatorLargeBlockRecordLimit(t *testing.T) {
	const blockSize = 1 << 20
	dev, err := blockdev.NewMemory(2*blockSize, blockSize)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	// A 1 MiB block has room for more 8 byte records than numrecs can count
	node := NewNode[uint32, AllocRec](make([]byte, blockSize), NewHeader(0, 0), Uint32Key{}, AllocRecCodec{})
	if node.Capacity() != math.MaxUint16 {
		t.Fatalf("Expected capacity %d, got %d", math.MaxUint16, node.Capacity())
	}
	for i := 0; i < math.MaxUint16; i++ {
		AllocRecCodec{}.Encode(node.slot(i), AllocRec{StartBlock: uint32(2 * i), BlockCount: 1})
	}
	node.hdr.NumRecs = math.MaxUint16
	if !node.Full() {
		t.Fatal("Expected node at the record count limit to be full")
	}
	if err := dev.WriteBlock(0, node.Bytes()); err != nil {
		t.Fatalf("Failed to write block: %v", err)
	}

	op, err := New[uint32, AllocRec](dev, 0, Uint32Key{}, AllocRecCodec{})
	if err != nil {
		t.Fatalf("Failed to create operator: %v", err)
	}

	before := dev.Bytes()
	res, err := op.Set(5, AllocRec{StartBlock: 5, BlockCount: 1})
	if err != nil {
		t.Fatalf("Set on a full block returned error: %v", err)
	}
	if res != CapacityExceeded {
		t.Errorf("Expected CapacityExceeded, got %s", res)
	}
	if !bytes.Equal(before, dev.Bytes()) {
		t.Error("Full block was modified")
	}

	hdr, err := op.Header()
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if hdr.NumRecs != math.MaxUint16 {
		t.Errorf("Expected %d records, got %d", math.MaxUint16, hdr.NumRecs)
	}
	for _, key := range []uint32{0, 10, 2 * (math.MaxUint16 - 1)} {
		rec, err := op.Get(key)
		if err != nil {
			t.Fatalf("Get(%d) failed: %v", key, err)
		}
		if rec.StartBlock != key || rec.BlockCount != 1 {
			t.Errorf("Get(%d) returned %+v", key, rec)
		}
	}
}

func TestOperatorGetEmptyBlock(t *testing.T) {
	op := newBytesOperator(t, newMemDevice(t))

	if _, err := op.Get(seq(3, 8)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound on an empty block, got %v", err)
	}

	hdr, err := op.Header()
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if hdr.NumRecs != 0 {
		t.Errorf("Expected 0 records, got %d", hdr.NumRecs)
	}
}

func TestOperatorSetExisting(t *testing.T) {
	dev := newMemDevice(t)
	op := newBytesOperator(t, dev)

	key := seq(1, 8)
	op.Set(key, seq(1, 16))
	before := dev.Bytes()

	other := append(seq(1, 8), bytes.Repeat([]byte{0xFF}, 8)...)
	res, err := op.Set(key, other)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if res != Exists {
		t.Errorf("Expected Exists, got %s", res)
	}
	if !bytes.Equal(before, dev.Bytes()) {
		t.Error("Set of an existing key modified storage")
	}

	v, _ := op.Get(key)
	if !bytes.Equal(v, seq(1, 16)) {
		t.Error("Existing value changed")
	}
}

func TestOperatorUpdate(t *testing.T) {
	op := newBytesOperator(t, newMemDevice(t))

	key := seq(4, 8)
	op.Set(key, seq(4, 16))

	newVal := append(seq(4, 8), bytes.Repeat([]byte{0xAA}, 8)...)
	res, err := op.Update(key, newVal)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res != Updated {
		t.Errorf("Expected Updated, got %s", res)
	}

	v, err := op.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(v, newVal) {
		t.Errorf("Expected %x, got %x", newVal, v)
	}

	if _, err := op.Update(seq(9, 8), seq(9, 16)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound updating a missing key, got %v", err)
	}
	if _, err := op.Update(key, seq(5, 16)); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Expected ErrKeyMismatch, got %v", err)
	}
}

func TestOperatorHeaderAfterWrites(t *testing.T) {
	op, err := New[uint32, AllocRec](newMemDevice(t), 2, Uint32Key{}, AllocRecCodec{}, WithOwner(9))
	if err != nil {
		t.Fatalf("Failed to create operator: %v", err)
	}
	if err := op.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	recs := []AllocRec{{StartBlock: 100, BlockCount: 5}, {StartBlock: 20, BlockCount: 1}, {StartBlock: 64, BlockCount: 12}}
	for _, r := range recs {
		if res, err := op.Set(r.Key(), r); err != nil || res != Inserted {
			t.Fatalf("Set(%d): res %s err %v", r.StartBlock, res, err)
		}
	}

	hdr, err := op.Header()
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if hdr.Blkno != 2 || hdr.Owner != 9 || hdr.Level != 0 {
		t.Errorf("Unexpected header %+v", hdr)
	}
	if hdr.NumRecs != 3 || hdr.LSN != 3 {
		t.Errorf("Expected 3 records at lsn 3, got %d at %d", hdr.NumRecs, hdr.LSN)
	}

	r, err := op.Get(64)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.BlockCount != 12 {
		t.Errorf("Expected block count 12, got %d", r.BlockCount)
	}
}

func TestOperatorDetectsCorruption(t *testing.T) {
	dev := newMemDevice(t)
	op := newBytesOperator(t, dev)
	op.Set(seq(1, 8), seq(1, 16))

	block := make([]byte, dev.BlockSize())
	dev.ReadBlock(0, block)
	block[HeaderSize+3] ^= 0xFF
	dev.WriteBlock(0, block)

	if _, err := op.Get(seq(1, 8)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get: expected ErrCorrupt, got %v", err)
	}
	if _, err := op.Set(seq(2, 8), seq(2, 16)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Set: expected ErrCorrupt, got %v", err)
	}

	// An unformatted block fails the magic check.
	blank, err := New[[]byte, []byte](dev, 5, FixedBytes(8), FixedBytes(16))
	if err != nil {
		t.Fatalf("Failed to create operator: %v", err)
	}
	if _, err := blank.Get(seq(1, 8)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt on unformatted block, got %v", err)
	}
}

func TestOperatorPropagatesIOErrors(t *testing.T) {
	mem := newMemDevice(t)
	newBytesOperator(t, mem)

	dev := &failingDevice{Device: mem}
	op, err := New[[]byte, []byte](dev, 0, FixedBytes(8), FixedBytes(16))
	if err != nil {
		t.Fatalf("Failed to create operator: %v", err)
	}

	dev.failWrites = true
	if _, err := op.Set(seq(1, 8), seq(1, 16)); !errors.Is(err, errDisk) {
		t.Errorf("Set: expected disk error, got %v", err)
	}
	if err := op.Create(); !errors.Is(err, errDisk) {
		t.Errorf("Create: expected disk error, got %v", err)
	}

	dev.failReads = true
	if _, err := op.Get(seq(1, 8)); !errors.Is(err, errDisk) {
		t.Errorf("Get: expected disk error, got %v", err)
	}
	if _, err := op.Header(); !errors.Is(err, errDisk) {
		t.Errorf("Header: expected disk error, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	dev := newMemDevice(t)

	if _, err := New[[]byte, []byte](dev, 0, FixedBytes(32), FixedBytes(16)); !errors.Is(err, ErrKeyTooLarge) {
		t.Errorf("Expected ErrKeyTooLarge, got %v", err)
	}
	if _, err := New[[]byte, []byte](dev, 0, FixedBytes(8), FixedBytes(500)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Expected ErrRecordTooLarge, got %v", err)
	}
	if _, err := New[[]byte, []byte](dev, 100, FixedBytes(8), FixedBytes(16)); !errors.Is(err, blockdev.ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
}

func TestSetResultString(t *testing.T) {
	tests := map[SetResult]string{
		Inserted:         "inserted",
		Exists:           "exists",
		CapacityExceeded: "capacity_exceeded",
		Updated:          "updated",
		SetResult(9):     "SetResult(9)",
	}
	for r, want := range tests {
		if r.String() != want {
			t.Errorf("Expected %q, got %q", want, r.String())
		}
	}
}
