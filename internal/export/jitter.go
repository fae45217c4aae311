package export

import (
	"math/rand/v2"

	"github.com/kmay89/pwk/internal/pwktime"
)

// jitterBucket nudges bucket's start time by a random multiple of
// jitterStepS within [-jitterS, +jitterS], so an observer cannot
// correlate an exported bucket's start time back to the precise
// sealed-log bucket it came from. A zero jitterS, or a step that does
// not divide evenly into at least one whole step, disables jitter and
// returns bucket unchanged - matching the original kernel, which
// treats jitter_s == 0 as "no jitter" rather than an error.
func jitterBucket(rng *rand.Rand, bucket pwktime.Bucket, jitterS, jitterStepS uint64) pwktime.Bucket {
	if jitterS == 0 {
		return bucket
	}
	steps := int64(jitterS / jitterStepS)
	if steps == 0 {
		return bucket
	}

	span := steps*2 + 1
	choice := int64(rng.Uint64N(uint64(span))) - steps
	offset := choice * int64(jitterStepS)

	var start uint64
	if offset < 0 {
		offsetAbs := uint64(-offset)
		if offsetAbs > bucket.StartEpochS {
			start = 0
		} else {
			start = bucket.StartEpochS - offsetAbs
		}
	} else {
		start = bucket.StartEpochS + uint64(offset)
	}

	return pwktime.Bucket{StartEpochS: start, SizeS: bucket.SizeS}
}
