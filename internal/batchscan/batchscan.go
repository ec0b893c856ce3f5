// Package batchscan accelerates FilterValue.InsertBatch by turning a
// row-index list plus a columnar null mask into a tight, branch-light
// walk over only the non-null rows. It is the adapted descendant of
// csvquery's internal/simd package: where that package scanned a CSV
// byte buffer word-at-a-time for separator bytes, this package scans
// a packed null-bitmask word-at-a-time for set bits, using the same
// "pack into uint64 words, consume with bits.TrailingZeros64" idiom.
package batchscan

import (
	"math/bits"

	"golang.org/x/sys/cpu"
)

// wordChunk is 64 on CPUs with AVX2 and 32 otherwise, the same
// cpu.X86.HasAVX2 gate csvquery's simd package applies in
// internal/simd/simd_amd64.go. It is only reported by WordChunk:
// NonNullMask and EachSet always pack and walk full 64-bit words.
var wordChunk = 64

func init() {
	if !cpu.X86.HasAVX2 {
		wordChunk = 32
	}
}

// WordChunk reports the CPU-dependent chunk size.
func WordChunk() int { return wordChunk }

// NonNullMask packs the non-null positions of rowIndices, as
// evaluated by isNull, into a slice of uint64 bitwords (bit i of word
// w means rowIndices[64*w+i] is non-null).
func NonNullMask(rowIndices []int, isNull func(row int) bool) []uint64 {
	n := len(rowIndices)
	words := make([]uint64, (n+63)/64)
	for i, row := range rowIndices {
		if !isNull(row) {
			words[i/64] |= 1 << uint(i%64)
		}
	}
	return words
}

// EachSet calls fn with the index (into the original rowIndices slice)
// of every set bit in mask, walking word-at-a-time and consuming each
// word via TrailingZeros64 so runs of nulls cost one branch instead of
// one per row -- the same amortization csvquery's ScanSeparators gets
// from scanning 64 bytes per AVX2 lane instead of one byte at a time.
func EachSet(mask []uint64, fn func(i int)) {
	for w, word := range mask {
		base := w * 64
		for word != 0 {
			tz := bits.TrailingZeros64(word)
			fn(base + tz)
			word &= word - 1
		}
	}
}

// CountSet returns the number of set bits across mask, for a caller
// that wants to presize a destination slice before walking it with
// EachSet.
func CountSet(mask []uint64) int {
	n := 0
	for _, w := range mask {
		n += bits.OnesCount64(w)
	}
	return n
}
