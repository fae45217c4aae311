package sealedlog

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/sealedsig"
)

func mustBucket(t *testing.T, start uint64, size uint32) pwktime.Bucket {
	t.Helper()
	b, err := pwktime.New(start, size)
	require.NoError(t, err)
	return b
}

func newTestSigner(t *testing.T) *EntrySigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub
	return NewEntrySigner(priv)
}

func TestRecordJSONRoundTripEvent(t *testing.T) {
	ev := contract.Event{
		EventType:  contract.EventTypeBoundaryCrossingObjectLarge,
		TimeBucket: mustBucket(t, 600, 600),
		ZoneID:     "zone:front_boundary",
		Confidence: 0.8,
	}
	rec := Record{Event: &ev}
	data, err := rec.MarshalJSON()
	require.NoError(t, err)

	var out Record
	require.NoError(t, out.UnmarshalJSON(data))
	require.NotNil(t, out.Event)
	assert.Nil(t, out.Failure)
	assert.Equal(t, ev.ZoneID, out.Event.ZoneID)
}

func TestRecordJSONRoundTripFailure(t *testing.T) {
	f := contract.FailureEvent{
		FailureType: contract.FailureTypeClockSkew,
		TimeBucket:  mustBucket(t, 600, 600),
		Details:     "ntp drift",
	}
	rec := Record{Failure: &f}
	data, err := rec.MarshalJSON()
	require.NoError(t, err)

	var out Record
	require.NoError(t, out.UnmarshalJSON(data))
	require.NotNil(t, out.Failure)
	assert.Nil(t, out.Event)
	assert.Equal(t, "ntp drift", out.Failure.Details)
}

func TestRecordMarshalRejectsEmptyRecord(t *testing.T) {
	var rec Record
	_, err := rec.MarshalJSON()
	assert.Error(t, err)
}

func TestMemoryStoreAppendAndReadChain(t *testing.T) {
	store := NewMemoryStore()
	signer := newTestSigner(t)

	var rulesetHash [32]byte
	rulesetHash[0] = 7
	for i := 0; i < 3; i++ {
		ev := contract.Event{
			EventType:   contract.EventTypeBoundaryCrossingObjectLarge,
			TimeBucket:  mustBucket(t, uint64(600*(i+1)), 600),
			ZoneID:      "zone:front_boundary",
			Confidence:  0.9,
			RulesetHash: rulesetHash,
		}
		require.NoError(t, store.AppendEventRecord(Record{Event: &ev}, signer))
	}

	out, err := store.ReadEventsRulesetBound(rulesetHash, 10, nil)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	require.NoError(t, store.VerifyChain(signer.PublicKey(), nil, sealedsig.ModeStrict))
}

func TestMemoryStoreReadEventsRulesetBoundRejectsMismatch(t *testing.T) {
	store := NewMemoryStore()
	signer := newTestSigner(t)

	var sealedHash, expectedHash [32]byte
	sealedHash[0] = 1
	expectedHash[0] = 2

	ev := contract.Event{
		EventType:   contract.EventTypeBoundaryCrossingObjectSmall,
		TimeBucket:  mustBucket(t, 600, 600),
		ZoneID:      "zone:front_boundary",
		RulesetHash: sealedHash,
	}
	require.NoError(t, store.AppendEventRecord(Record{Event: &ev}, signer))

	var alarmCodes []string
	logAlarm := func(code, message string) error {
		alarmCodes = append(alarmCodes, code)
		return nil
	}

	_, err := store.ReadEventsRulesetBound(expectedHash, 10, logAlarm)
	assert.Error(t, err)
	assert.Equal(t, []string{"CONFORMANCE_REPROCESS_VIOLATION"}, alarmCodes)
}

func TestMemoryStoreRetentionCheckspointsAndTrims(t *testing.T) {
	store := NewMemoryStore()
	signer := newTestSigner(t)

	old := contract.Event{EventType: contract.EventTypeBoundaryCrossingObjectLarge, TimeBucket: mustBucket(t, 0, 600), ZoneID: "zone:front_boundary"}
	recent := contract.Event{EventType: contract.EventTypeBoundaryCrossingObjectLarge, TimeBucket: mustBucket(t, 1_000_000_000, 600), ZoneID: "zone:front_boundary"}
	require.NoError(t, store.AppendEventRecord(Record{Event: &old}, signer))
	require.NoError(t, store.AppendEventRecord(Record{Event: &recent}, signer))

	now := time.Unix(1_000_000_100, 0)
	require.NoError(t, store.EnforceRetentionWithCheckpoint(now, 50*time.Second, signer, nil))

	assert.Len(t, store.events, 1)
	assert.Len(t, store.checkpoints, 1)
	require.NoError(t, store.VerifyChain(signer.PublicKey(), nil, sealedsig.ModeStrict))
}

func TestMemoryStoreAppendReceiptChainsIndependently(t *testing.T) {
	store := NewMemoryStore()
	signer := newTestSigner(t)

	h1, err := store.AppendReceipt(TableBreakGlassReceipts, sealedsig.DomainBreakGlassReceipt, []byte(`{"n":1}`), signer)
	require.NoError(t, err)
	h2, err := store.AppendReceipt(TableBreakGlassReceipts, sealedsig.DomainBreakGlassReceipt, []byte(`{"n":2}`), signer)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	_, err = store.AppendReceipt("not_a_real_table", sealedsig.DomainBreakGlassReceipt, nil, signer)
	assert.Error(t, err)

	require.NoError(t, store.VerifyChain(signer.PublicKey(), nil, sealedsig.ModeStrict))
}

func TestMemoryStoreGetReceiptFindsAppendedPayload(t *testing.T) {
	store := NewMemoryStore()
	signer := newTestSigner(t)

	h, err := store.AppendReceipt(TableBreakGlassReceipts, sealedsig.DomainBreakGlassReceipt, []byte(`{"n":1}`), signer)
	require.NoError(t, err)

	payload, found, err := store.GetReceipt(TableBreakGlassReceipts, h)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"n":1}`, string(payload))

	_, found, err = store.GetReceipt(TableBreakGlassReceipts, [32]byte{0xFF})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreVerifyChainDetectsTamper(t *testing.T) {
	store := NewMemoryStore()
	signer := newTestSigner(t)

	ev := contract.Event{EventType: contract.EventTypeBoundaryCrossingObjectLarge, TimeBucket: mustBucket(t, 600, 600), ZoneID: "zone:front_boundary"}
	require.NoError(t, store.AppendEventRecord(Record{Event: &ev}, signer))

	store.events[0].payloadJSON = append([]byte(nil), store.events[0].payloadJSON...)
	store.events[0].payloadJSON[0] ^= 0xFF

	err := store.VerifyChain(signer.PublicKey(), nil, sealedsig.ModeStrict)
	assert.Error(t, err)
}

func TestEngineImplementsContractSinkAndReceipts(t *testing.T) {
	store := NewMemoryStore()
	signer := newTestSigner(t)
	var rulesetHash [32]byte
	engine := NewEngine(store, signer, "v1", "default", rulesetHash)

	desc := contract.ModuleDescriptor{ID: "zone-crossing", AllowedEventTypes: []contract.EventType{contract.EventTypeBoundaryCrossingObjectLarge}}
	cand := contract.CandidateEvent{
		EventType:  contract.EventTypeBoundaryCrossingObjectLarge,
		TimeBucket: mustBucket(t, 600, 600),
		ZoneID:     "zone:front_boundary",
		Confidence: 0.9,
	}
	_, err := contract.AppendEventChecked(engine, nil, desc, cand, "v1", "default", rulesetHash)
	require.NoError(t, err)

	records, err := engine.ReadEventsRulesetBound(10)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	receiptHash, err := engine.AppendBreakGlassReceipt([]byte(`{"trustees":3}`))
	require.NoError(t, err)
	assert.NotZero(t, receiptHash)

	require.NoError(t, engine.VerifyChain(sealedsig.ModeStrict))
	require.NoError(t, engine.Close())
}

func TestEngineRejectionPathLogsAlarmAndFailure(t *testing.T) {
	store := NewMemoryStore()
	signer := newTestSigner(t)
	var rulesetHash [32]byte
	engine := NewEngine(store, signer, "v1", "default", rulesetHash)

	desc := contract.ModuleDescriptor{ID: "zone-crossing", AllowedEventTypes: []contract.EventType{contract.EventTypeBoundaryCrossingObjectLarge}}
	cand := contract.CandidateEvent{
		EventType:  contract.EventTypeBoundaryCrossingObjectSmall,
		TimeBucket: mustBucket(t, 600, 600),
		ZoneID:     "zone:front_boundary",
		Confidence: 0.9,
	}
	_, err := contract.AppendEventChecked(engine, nil, desc, cand, "v1", "default", rulesetHash)
	assert.ErrorIs(t, err, contract.ErrAllowlistViolation)

	records, err := engine.ReadEventsRulesetBound(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].Failure)
}

func TestEntrySignerDualSignatureVerifiesUnderStrict(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pqPub, pqPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	scheme, ok := sealedsig.Lookup("dual-ed25519-reference")
	require.True(t, ok)

	signer := NewEntrySigner(priv).WithPQ(scheme, pqPriv, pqPub)
	store := NewMemoryStore()

	ev := contract.Event{EventType: contract.EventTypeBoundaryCrossingObjectLarge, TimeBucket: mustBucket(t, 600, 600), ZoneID: "zone:front_boundary"}
	require.NoError(t, store.AppendEventRecord(Record{Event: &ev}, signer))

	require.NoError(t, store.VerifyChain(signer.PublicKey(), signer.PQPublicKey(), sealedsig.ModeStrict))
}
