// Package pwktime implements the kernel's sole time representation: a
// coarse bucket. Precise timestamps are never stored or exported;
// every instant the kernel persists is first coarsened to a bucket.
package pwktime

import (
	"errors"
	"fmt"
)

// MinBucketSizeSecs is the smallest permitted bucket width. Five
// minutes is the narrowest grain the kernel will ever emit.
const MinBucketSizeSecs = 300

// ErrBucketTooFine is returned when a caller asks for a bucket width
// narrower than MinBucketSizeSecs.
var ErrBucketTooFine = errors.New("pwktime: bucket size_s below minimum 300")

// Bucket is a coarse time interval [Start, Start+Size) in seconds. It
// is the only time representation the kernel stores or exports.
type Bucket struct {
	StartEpochS uint64 `json:"start_epoch_s"`
	SizeS       uint32 `json:"size_s"`
}

// New coarsens t to the bucket grid of width sizeS that contains it.
func New(t uint64, sizeS uint32) (Bucket, error) {
	if sizeS < MinBucketSizeSecs {
		return Bucket{}, fmt.Errorf("%w: got %d", ErrBucketTooFine, sizeS)
	}
	start := (t / uint64(sizeS)) * uint64(sizeS)
	return Bucket{StartEpochS: start, SizeS: sizeS}, nil
}

// Now returns the current bucket at the given width, driven by the
// supplied epoch-seconds clock so callers can inject deterministic
// time in tests.
func Now(nowEpochS uint64, sizeS uint32) (Bucket, error) {
	return New(nowEpochS, sizeS)
}

// CoarsenTo re-aligns b onto a coarser grid of width sizeS. It fails
// if sizeS is below the minimum, or if sizeS is narrower than b's
// current size (coarsening can only widen, never narrow).
func (b Bucket) CoarsenTo(sizeS uint32) (Bucket, error) {
	if sizeS < MinBucketSizeSecs {
		return Bucket{}, fmt.Errorf("%w: got %d", ErrBucketTooFine, sizeS)
	}
	if sizeS < b.SizeS {
		return Bucket{}, fmt.Errorf("pwktime: cannot coarsen bucket of size_s=%d to narrower size_s=%d", b.SizeS, sizeS)
	}
	start := (b.StartEpochS / uint64(sizeS)) * uint64(sizeS)
	return Bucket{StartEpochS: start, SizeS: sizeS}, nil
}

// Equal reports whether two buckets have identical start and size.
func (b Bucket) Equal(other Bucket) bool {
	return b.StartEpochS == other.StartEpochS && b.SizeS == other.SizeS
}

// End returns the (exclusive) end of the bucket's interval.
func (b Bucket) End() uint64 {
	return b.StartEpochS + uint64(b.SizeS)
}

// Contains reports whether epoch second t falls within [Start, End).
func (b Bucket) Contains(t uint64) bool {
	return t >= b.StartEpochS && t < b.End()
}

// Key returns a value suitable for grouping records by their original
// (start, size) pair (used by the export pipeline's batching step).
func (b Bucket) Key() [2]uint64 {
	return [2]uint64{b.StartEpochS, uint64(b.SizeS)}
}
