// Package export turns the sealed log's append-only event/failure
// stream into a distributable artifact: events are grouped into
// coarse time buckets (their start times independently jittered so an
// observer cannot correlate export buckets back to wall-clock
// capture times), batched to a configured size cap, hashed, and
// receipted in the sealed log before the artifact is handed to a
// caller. Exported records omit every field not already present on
// the sealed-log Event/FailureEvent - there is no correlation token,
// no raw timestamp, nothing identity-bearing, by construction.
package export

import (
	"errors"

	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/pwktime"
)

// Event is one exported event record.
type Event struct {
	EventType     contract.EventType `json:"event_type"`
	TimeBucket    pwktime.Bucket     `json:"time_bucket"`
	ZoneID        string             `json:"zone_id"`
	Confidence    float32            `json:"confidence"`
	KernelVersion string             `json:"kernel_version"`
	RulesetID     string             `json:"ruleset_id"`
	RulesetHash   [32]byte           `json:"ruleset_hash"`
}

// FailureEvent is one exported failure record.
type FailureEvent struct {
	FailureType   contract.FailureType `json:"failure_type"`
	TimeBucket    pwktime.Bucket       `json:"time_bucket"`
	Details       string               `json:"details,omitempty"`
	KernelVersion string               `json:"kernel_version"`
	RulesetID     string               `json:"ruleset_id"`
	RulesetHash   [32]byte             `json:"ruleset_hash"`
}

// Bucket groups every event/failure whose sealed-log time bucket
// shares one (start, size) key, under that bucket's jittered value.
type Bucket struct {
	TimeBucket pwktime.Bucket `json:"time_bucket"`
	Events     []Event        `json:"events"`
	Failures   []FailureEvent `json:"failures"`
}

// Batch is a size-capped run of buckets; an artifact never places more
// than Options.MaxEventsPerBatch event-or-failure records in one
// batch, except that a single oversized bucket still gets its own
// batch rather than being split mid-bucket.
type Batch struct {
	Buckets []Bucket `json:"buckets"`
}

// Artifact is the complete exportable unit: every batch produced from
// one export run, plus the options that shaped it (carried along so a
// verifier can recompute the jitter bound, though not the exact
// jittered values, without out-of-band configuration).
type Artifact struct {
	Batches          []Batch `json:"batches"`
	MaxEventsPerBatch int    `json:"max_events_per_batch"`
	JitterS          uint64  `json:"jitter_s"`
	JitterStepS      uint64  `json:"jitter_step_s"`
}

// Receipt is the durable, sealed-log-chained record that an export
// run happened: it commits to the artifact's hash without embedding
// the artifact itself, so the receipt chain stays small regardless of
// export volume.
type Receipt struct {
	TimeBucket  pwktime.Bucket `json:"time_bucket"`
	RulesetHash [32]byte       `json:"ruleset_hash"`
	BatchSize   int            `json:"batch_size"`
	ArtifactHash [32]byte      `json:"artifact_hash"`
}

// Options controls batching and jitter. Defaults mirror the original
// kernel's export defaults.
type Options struct {
	MaxEventsPerBatch int
	JitterS           uint64
	JitterStepS       uint64
}

// DefaultOptions returns the kernel's default export shaping.
func DefaultOptions() Options {
	return Options{
		MaxEventsPerBatch: 50,
		JitterS:           120,
		JitterStepS:       60,
	}
}

// Validate checks the invariants export relies on: at least one event
// per batch, a nonzero jitter step, and a jitter step that does not
// exceed the jitter span it is meant to subdivide.
func (o Options) Validate() error {
	if o.MaxEventsPerBatch == 0 {
		return errors.New("export: max_events_per_batch must be >= 1")
	}
	if o.JitterStepS == 0 {
		return errors.New("export: jitter_step_s must be >= 1")
	}
	if o.JitterS > 0 && o.JitterStepS > o.JitterS {
		return errors.New("export: jitter_step_s cannot exceed jitter_s")
	}
	return nil
}

// EnvelopeID is the break-glass vault envelope identifier reserved for
// event export authorization.
const EnvelopeID = "export:events"
