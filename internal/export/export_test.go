package export

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/sealedlog"
)

type fakeSource struct {
	records []sealedlog.Record
}

func (f *fakeSource) ReadEventsRulesetBound(limit int) ([]sealedlog.Record, error) {
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

type fakeSink struct {
	appended [][]byte
}

func (f *fakeSink) AppendExportReceipt(payloadJSON []byte) ([32]byte, error) {
	f.appended = append(f.appended, payloadJSON)
	var h [32]byte
	h[0] = byte(len(f.appended))
	return h, nil
}

func (f *fakeSink) GetExportReceiptPayload(entryHash [32]byte) ([]byte, bool, error) {
	idx := int(entryHash[0]) - 1
	if idx < 0 || idx >= len(f.appended) {
		return nil, false, nil
	}
	return f.appended[idx], true, nil
}

func bucket(t *testing.T, start uint64) pwktime.Bucket {
	t.Helper()
	b, err := pwktime.New(start, 600)
	require.NoError(t, err)
	return b
}

func TestOptionsValidateRejectsBadShape(t *testing.T) {
	o := DefaultOptions()
	require.NoError(t, o.Validate())

	bad := o
	bad.MaxEventsPerBatch = 0
	assert.Error(t, bad.Validate())

	bad = o
	bad.JitterStepS = 0
	assert.Error(t, bad.Validate())

	bad = o
	bad.JitterS = 30
	bad.JitterStepS = 60
	assert.Error(t, bad.Validate())
}

func TestPipelineGroupsEventsIntoBucketsAndBatches(t *testing.T) {
	var rulesetHash [32]byte
	rulesetHash[0] = 5

	ev1 := contract.Event{EventType: contract.EventTypeBoundaryCrossingObjectLarge, TimeBucket: bucket(t, 600), ZoneID: "zone:front_boundary", KernelVersion: "v1", RulesetID: "default", RulesetHash: rulesetHash}
	ev2 := contract.Event{EventType: contract.EventTypeBoundaryCrossingObjectSmall, TimeBucket: bucket(t, 600), ZoneID: "zone:front_boundary", KernelVersion: "v1", RulesetID: "default", RulesetHash: rulesetHash}
	ev3 := contract.Event{EventType: contract.EventTypeBoundaryCrossingObjectLarge, TimeBucket: bucket(t, 1200), ZoneID: "zone:lot_a_1", KernelVersion: "v1", RulesetID: "default", RulesetHash: rulesetHash}
	fail := contract.FailureEvent{FailureType: contract.FailureTypeClockSkew, TimeBucket: bucket(t, 1200), Details: "drift", KernelVersion: "v1", RulesetID: "default", RulesetHash: rulesetHash}

	source := &fakeSource{records: []sealedlog.Record{
		{Event: &ev1},
		{Event: &ev2},
		{Event: &ev3},
		{Failure: &fail},
	}}
	sink := &fakeSink{}

	pipeline := NewPipeline(source, sink, 1, 2)
	options := Options{MaxEventsPerBatch: 100, JitterS: 0, JitterStepS: 60}

	artifact, receipt, err := pipeline.Run(rulesetHash, options, 1_000_000_000)
	require.NoError(t, err)

	totalBuckets := 0
	totalEvents := 0
	totalFailures := 0
	for _, batch := range artifact.Batches {
		totalBuckets += len(batch.Buckets)
		for _, b := range batch.Buckets {
			totalEvents += len(b.Events)
			totalFailures += len(b.Failures)
		}
	}
	assert.Equal(t, 2, totalBuckets)
	assert.Equal(t, 3, totalEvents)
	assert.Equal(t, 1, totalFailures)

	require.Len(t, sink.appended, 1)
	var storedReceipt Receipt
	require.NoError(t, json.Unmarshal(sink.appended[0], &storedReceipt))
	assert.Equal(t, receipt, storedReceipt)
	assert.Equal(t, rulesetHash, receipt.RulesetHash)

	require.NoError(t, VerifyArtifactHash(artifact, receipt))
}

func TestPipelineSplitsOversizedBatches(t *testing.T) {
	var rulesetHash [32]byte

	records := make([]sealedlog.Record, 0, 6)
	for i := 0; i < 3; i++ {
		ev := contract.Event{EventType: contract.EventTypeBoundaryCrossingObjectLarge, TimeBucket: bucket(t, uint64(600*(i+1))), ZoneID: "zone:front_boundary", RulesetHash: rulesetHash}
		records = append(records, sealedlog.Record{Event: &ev})
	}
	source := &fakeSource{records: records}
	sink := &fakeSink{}

	pipeline := NewPipeline(source, sink, 7, 9)
	options := Options{MaxEventsPerBatch: 1, JitterS: 0, JitterStepS: 60}

	artifact, _, err := pipeline.Run(rulesetHash, options, 500)
	require.NoError(t, err)
	assert.Len(t, artifact.Batches, 3)
	for _, batch := range artifact.Batches {
		assert.Len(t, batch.Buckets, 1)
	}
}

func TestPipelineJitterStaysWithinBound(t *testing.T) {
	var rulesetHash [32]byte
	ev := contract.Event{EventType: contract.EventTypeBoundaryCrossingObjectLarge, TimeBucket: bucket(t, 6000), ZoneID: "zone:front_boundary", RulesetHash: rulesetHash}
	source := &fakeSource{records: []sealedlog.Record{{Event: &ev}}}
	sink := &fakeSink{}

	pipeline := NewPipeline(source, sink, 3, 4)
	options := Options{MaxEventsPerBatch: 100, JitterS: 120, JitterStepS: 60}

	artifact, _, err := pipeline.Run(rulesetHash, options, 500)
	require.NoError(t, err)
	require.Len(t, artifact.Batches, 1)
	require.Len(t, artifact.Batches[0].Buckets, 1)

	got := artifact.Batches[0].Buckets[0].TimeBucket.StartEpochS
	assert.GreaterOrEqual(t, got, uint64(6000-120))
	assert.LessOrEqual(t, got, uint64(6000+120))
}

func TestPipelineRejectsBadOptionsWithoutTouchingSink(t *testing.T) {
	source := &fakeSource{}
	sink := &fakeSink{}
	pipeline := NewPipeline(source, sink, 1, 1)

	_, _, err := pipeline.Run([32]byte{}, Options{MaxEventsPerBatch: 0}, 0)
	assert.Error(t, err)
	assert.Empty(t, sink.appended)
}
