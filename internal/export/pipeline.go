package export

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/rand/v2"

	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/sealedlog"
)

// EventSource is the read side of the sealed log the pipeline draws
// records from. sealedlog.Engine satisfies this directly; the
// interface exists so export has no compile-time dependency on how
// records are stored, only on how they are read.
type EventSource interface {
	ReadEventsRulesetBound(limit int) ([]sealedlog.Record, error)
}

// ReceiptSink is where the pipeline durably records that an export
// run happened. sealedlog.Engine satisfies this directly.
type ReceiptSink interface {
	AppendExportReceipt(payloadJSON []byte) ([32]byte, error)
	GetExportReceiptPayload(entryHash [32]byte) ([]byte, bool, error)
}

// Pipeline groups, batches, jitters, and receipts sealed-log records
// into a distributable Artifact.
type Pipeline struct {
	source EventSource
	sink   ReceiptSink
	rng    *rand.Rand
}

// NewPipeline constructs a Pipeline seeded from the two words of a
// PCG source, so export runs are reproducible under a fixed seed in
// tests. Production callers should derive the seed from crypto/rand
// once at process startup.
func NewPipeline(source EventSource, sink ReceiptSink, rngSeed1, rngSeed2 uint64) *Pipeline {
	return &Pipeline{
		source: source,
		sink:   sink,
		rng:    rand.New(rand.NewPCG(rngSeed1, rngSeed2)),
	}
}

// maxRecordsPerExport bounds one export run's read from the sealed
// log; a kernel exporting more records than this in one run should
// checkpoint and export incrementally instead.
const maxRecordsPerExport = 1_000_000

// Run reads every sealed record bound to expectedRulesetHash, groups
// it into jittered buckets, batches those buckets under options' size
// cap, and appends a receipt committing to the resulting artifact's
// hash. nowEpochS is coarsened to the receipt's own ten-minute bucket.
//
// A mismatched ruleset hash anywhere in the sealed log aborts the
// entire run without producing a partial artifact or receipt - the
// same fail-fast behavior ReadEventsRulesetBound already enforces on
// read, here surfacing as a plain error return.
func (p *Pipeline) Run(expectedRulesetHash [32]byte, options Options, nowEpochS uint64) (Artifact, Receipt, error) {
	if err := options.Validate(); err != nil {
		return Artifact{}, Receipt{}, err
	}

	records, err := p.source.ReadEventsRulesetBound(maxRecordsPerExport)
	if err != nil {
		return Artifact{}, Receipt{}, err
	}

	var buckets []Bucket
	index := make(map[[2]uint64]int)

	for _, rec := range records {
		key := rec.TimeBucket().Key()
		idx, ok := index[key]
		if !ok {
			jittered := jitterBucket(p.rng, rec.TimeBucket(), options.JitterS, options.JitterStepS)
			buckets = append(buckets, Bucket{TimeBucket: jittered})
			idx = len(buckets) - 1
			index[key] = idx
		}

		switch {
		case rec.Event != nil:
			buckets[idx].Events = append(buckets[idx].Events, Event{
				EventType:     rec.Event.EventType,
				TimeBucket:    buckets[idx].TimeBucket,
				ZoneID:        rec.Event.ZoneID,
				Confidence:    rec.Event.Confidence,
				KernelVersion: rec.Event.KernelVersion,
				RulesetID:     rec.Event.RulesetID,
				RulesetHash:   rec.Event.RulesetHash,
			})
		case rec.Failure != nil:
			buckets[idx].Failures = append(buckets[idx].Failures, FailureEvent{
				FailureType:   rec.Failure.FailureType,
				TimeBucket:    buckets[idx].TimeBucket,
				Details:       rec.Failure.Details,
				KernelVersion: rec.Failure.KernelVersion,
				RulesetID:     rec.Failure.RulesetID,
				RulesetHash:   rec.Failure.RulesetHash,
			})
		default:
			return Artifact{}, Receipt{}, errors.New("export: empty sealed record")
		}
	}

	artifact := Artifact{
		Batches:           batchBuckets(buckets, options.MaxEventsPerBatch),
		MaxEventsPerBatch: options.MaxEventsPerBatch,
		JitterS:           options.JitterS,
		JitterStepS:       options.JitterStepS,
	}

	artifactBytes, err := json.Marshal(artifact)
	if err != nil {
		return Artifact{}, Receipt{}, err
	}
	artifactHash := sha256.Sum256(artifactBytes)

	receiptBucket, err := pwktime.Now(nowEpochS, contract.TenMinutesS)
	if err != nil {
		return Artifact{}, Receipt{}, err
	}
	receipt := Receipt{
		TimeBucket:   receiptBucket,
		RulesetHash:  expectedRulesetHash,
		BatchSize:    options.MaxEventsPerBatch,
		ArtifactHash: artifactHash,
	}
	receiptPayload, err := json.Marshal(receipt)
	if err != nil {
		return Artifact{}, Receipt{}, err
	}
	if _, err := p.sink.AppendExportReceipt(receiptPayload); err != nil {
		return Artifact{}, Receipt{}, err
	}

	return artifact, receipt, nil
}

// batchBuckets packs buckets into batches, starting a new batch
// whenever adding the next bucket would push the running event+failure
// count over maxPerBatch - except that a batch already holding a
// bucket never splits that bucket across two batches, so a single
// oversized bucket still gets a (oversized) batch of its own.
func batchBuckets(buckets []Bucket, maxPerBatch int) []Batch {
	var batches []Batch
	var current Batch
	currentCount := 0

	for _, b := range buckets {
		count := len(b.Events) + len(b.Failures)
		if len(current.Buckets) > 0 && currentCount+count > maxPerBatch {
			batches = append(batches, current)
			current = Batch{}
			currentCount = 0
		}
		currentCount += count
		current.Buckets = append(current.Buckets, b)
	}
	if len(current.Buckets) > 0 {
		batches = append(batches, current)
	}
	return batches
}
