// Package rangeutil implements the byte-range type and split algebra that
// every higher-level component (segment manager, rebalancer, adaptive
// controller) builds on.
package rangeutil

import "fmt"

// ByteRange is a half-open interval [Start, End) of absolute file offsets.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns End - Start.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// Empty reports whether the range has zero length.
func (r ByteRange) Empty() bool {
	return r.Len() <= 0
}

// Valid reports whether Start <= End.
func (r ByteRange) Valid() bool {
	return r.Start <= r.End
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// SplitAt splits r at the given offset, measured from r.Start, into a left
// and right half. The offset must satisfy 0 <= offset <= r.Len(); callers
// that pass an absolute file offset should subtract r.Start first.
func (r ByteRange) SplitAt(offset int64) (left, right ByteRange) {
	p := r.Start + offset
	if p < r.Start {
		p = r.Start
	}
	if p > r.End {
		p = r.End
	}
	return ByteRange{Start: r.Start, End: p}, ByteRange{Start: p, End: r.End}
}

// Midpoint returns the midpoint offset of r, measured from r.Start.
func (r ByteRange) Midpoint() int64 {
	return r.Len() / 2
}

// SplitEven partitions [0, total) into n contiguous, non-overlapping ranges.
// The remainder total%n is distributed by adding one extra byte to each of
// the first (total%n) ranges, so that max-min of the resulting lengths is
// at most 1. n <= 0 or total <= 0 yields an empty slice.
func SplitEven(total int64, n int) []ByteRange {
	if n <= 0 || total <= 0 {
		return nil
	}

	base := total / int64(n)
	remainder := total % int64(n)

	ranges := make([]ByteRange, 0, n)
	var offset int64
	for i := 0; i < n; i++ {
		length := base
		if int64(i) < remainder {
			length++
		}
		ranges = append(ranges, ByteRange{Start: offset, End: offset + length})
		offset += length
	}
	return ranges
}
