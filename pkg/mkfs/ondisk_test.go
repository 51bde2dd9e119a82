package mkfs

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestSuperBlockRoundTrip(t *testing.T) {
	sb := &SuperBlock{
		Magic:     SuperBlockMagic,
		BlockSize: 4096,
		DBlocks:   12800,
		UUID:      uuid.New(),
		AGBlocks:  10240,
		AGCount:   2,
		SectSize:  512,
		ICount:    64,
	}
	copy(sb.FSName[:], "test")

	sector, err := sb.Encode(512)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(sector) != 512 {
		t.Fatalf("Expected a 512 byte sector, got %d", len(sector))
	}

	got, err := DecodeSuperBlock(sector)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	sb.CRC = got.CRC
	if *got != *sb {
		t.Errorf("Round trip mismatch:\n got  %+v\n want %+v", got, sb)
	}
}

func TestHeaderChecksums(t *testing.T) {
	id := uuid.New()

	agf, err := NewAGF(1, 100, id).Encode(512)
	if err != nil {
		t.Fatalf("AGF encode failed: %v", err)
	}
	agf[12] ^= 0xFF
	if _, err := DecodeAGF(agf); !errors.Is(err, ErrChecksum) {
		t.Errorf("Expected ErrChecksum for AGF, got %v", err)
	}

	agi, err := NewAGI(1, 100, id).Encode(512)
	if err != nil {
		t.Fatalf("AGI encode failed: %v", err)
	}
	if _, err := DecodeAGI(agi); err != nil {
		t.Errorf("AGI decode failed: %v", err)
	}
	if _, err := DecodeAGF(agi); !errors.Is(err, ErrBadMagic) {
		t.Errorf("Expected ErrBadMagic decoding AGI as AGF, got %v", err)
	}
}

func TestEncodeTooSmallSector(t *testing.T) {
	if _, err := NewAGI(0, 10, uuid.New()).Encode(128); err == nil {
		t.Error("Expected error encoding AGI into a 128 byte sector")
	}
}

func TestHelpers(t *testing.T) {
	ffsTests := map[uint32]uint8{0: 0, 1: 1, 2: 2, 4096: 13, 10240: 12, 0x80000000: 32}
	for in, want := range ffsTests {
		if got := ffs(in); got != want {
			t.Errorf("ffs(%d): expected %d, got %d", in, want, got)
		}
	}

	if got := HexAddr(0x2800000); got != "02800000H" {
		t.Errorf("Unexpected HexAddr %q", got)
	}
	if got := HumanSize(50 * 1024 * 1024); got != "50 MiB" {
		t.Errorf("Unexpected HumanSize %q", got)
	}
	if !isPowerOfTwo(4096) || isPowerOfTwo(3000) || isPowerOfTwo(0) {
		t.Error("isPowerOfTwo is wrong")
	}
}
