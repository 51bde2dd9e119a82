package mkfs

import (
	"fmt"
	"math/bits"

	"github.com/dustin/go-humanize"
)

// ffs returns the 1-based index of the lowest set bit of x, or 0 if x is 0.
func ffs(x uint32) uint8 {
	if x == 0 {
		return 0
	}
	return uint8(bits.TrailingZeros32(x) + 1)
}

// log2 returns the base two logarithm of a power of two.
func log2(x uint32) uint8 {
	return ffs(x) - 1
}

func isPowerOfTwo(x uint32) bool {
	return x != 0 && x&(x-1) == 0
}

// HumanSize formats a byte count with binary units, e.g. "50 MiB".
func HumanSize(n uint64) string {
	return humanize.IBytes(n)
}

// HexAddr formats a byte address as eight hex digits followed by H.
func HexAddr(addr uint64) string {
	return fmt.Sprintf("%08xH", addr)
}
