// Package alloc implements the goal-directed bitmap allocators of
// spec.md §4.2: block allocation starting from a caller goal LBA, Orlov-
// style directory inode placement, and the corresponding free paths with
// cache invalidation. The bitmap word-scan (skip whole 0xFFFFFFFF words,
// unaligned fast path at the edges) is grounded on the teacher's
// pkg/ext/block-usage.go bit-indexing idiom, generalized from a build-time
// bitmap generator to a live allocate/free bitmap.
package alloc

import (
	"encoding/binary"

	"github.com/embext/goext4/pkg/errno"
)

// testBit / setBit / clearBit operate on a byte-oriented bitmap buffer
// directly (the on-disk representation), bit i corresponding to byte i/8,
// bit i%8.
func testBit(bitmap []byte, i int64) bool {
	return bitmap[i/8]&(1<<uint(i%8)) != 0
}

func setBit(bitmap []byte, i int64) {
	bitmap[i/8] |= 1 << uint(i%8)
}

func clearBit(bitmap []byte, i int64) {
	bitmap[i/8] &^= 1 << uint(i%8)
}

// findFirstZero scans bitmap for the first clear bit at index >= from and
// < limit, skipping whole 0xFFFFFFFF 32-bit words for speed and falling
// back to a byte/bit scan at the unaligned edges, per spec.md §4.2.
func findFirstZero(bitmap []byte, from, limit int64) (int64, bool) {
	i := from

	// Unaligned prefix, bit by bit, up to the next 32-bit word boundary.
	for i < limit && i%32 != 0 {
		if !testBit(bitmap, i) {
			return i, true
		}
		i++
	}

	// Whole words.
	for i+32 <= limit {
		word := binary.LittleEndian.Uint32(bitmap[i/8 : i/8+4])
		if word != 0xFFFFFFFF {
			for j := int64(0); j < 32; j++ {
				if word&(1<<uint(j)) == 0 {
					return i + j, true
				}
			}
		}
		i += 32
	}

	// Unaligned suffix.
	for i < limit {
		if !testBit(bitmap, i) {
			return i, true
		}
		i++
	}

	return 0, false
}

// CountZero returns the number of clear bits in [0, limit).
func CountZero(bitmap []byte, limit int64) int64 {
	var n int64
	for i := int64(0); i < limit; i++ {
		if !testBit(bitmap, i) {
			n++
		}
	}
	return n
}

// ErrFull is returned internally (translated to ENOSPC at the allocator
// boundary) when a bitmap has no clear bit in range.
var ErrFull = errno.New(errno.ENOSPC)
