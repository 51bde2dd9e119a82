package btree

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:        Magic,
		Level:        2,
		NumRecs:      17,
		LeftSibling:  11,
		RightSibling: 13,
		Blkno:        42,
		LSN:          99,
		UUID:         uuid.New(),
		Owner:        7,
		CRC:          0xdeadbeef,
	}

	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if got != h {
		t.Errorf("Round trip mismatch:\n got  %+v\n want %+v", got, h)
	}
}

func TestNewHeader(t *testing.T) {
	a := NewHeader(5, 3)
	b := NewHeader(5, 3)

	if a.Magic != Magic {
		t.Errorf("Expected magic %#x, got %#x", Magic, a.Magic)
	}
	if a.Level != 0 || a.NumRecs != 0 {
		t.Errorf("Expected empty leaf, got level %d numrecs %d", a.Level, a.NumRecs)
	}
	if a.LeftSibling != NullBlock || a.RightSibling != NullBlock {
		t.Error("Expected null siblings")
	}
	if a.Blkno != 5 || a.Owner != 3 {
		t.Errorf("Expected blkno 5 owner 3, got %d %d", a.Blkno, a.Owner)
	}
	if a.UUID == uuid.Nil || a.UUID == b.UUID {
		t.Error("Expected a fresh UUID per header")
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, 10)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt for short buffer, got %v", err)
	}
	if _, err := DecodeHeader(make([]byte, HeaderSize)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt for zero magic, got %v", err)
	}
}

func TestSealVerify(t *testing.T) {
	block := make([]byte, 512)
	h := NewHeader(0, 0)
	h.Encode(block)
	copy(block[HeaderSize:], "payload")

	sum := Seal(block)
	if sum != Checksum(block) {
		t.Error("Seal should return the stored checksum")
	}
	if err := Verify(block); err != nil {
		t.Fatalf("Verify of sealed block failed: %v", err)
	}

	// The crc field itself is excluded from the checksum.
	if Checksum(block) != sum {
		t.Error("Checksum changed after sealing")
	}

	block[200] ^= 0x01
	if err := Verify(block); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt after payload flip, got %v", err)
	}
	block[200] ^= 0x01

	block[4] ^= 0x01
	if err := Verify(block); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt after header flip, got %v", err)
	}
}
