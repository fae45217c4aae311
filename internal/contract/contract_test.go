package contract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/zonepolicy"
)

func mustBucket(t *testing.T, start uint64, size uint32) pwktime.Bucket {
	t.Helper()
	b, err := pwktime.New(start, size)
	require.NoError(t, err)
	return b
}

func TestEnforceRejectsOutOfBoundsConfidence(t *testing.T) {
	cand := CandidateEvent{
		EventType:  EventTypeBoundaryCrossingObjectLarge,
		TimeBucket: mustBucket(t, 600, 600),
		ZoneID:     "zone:front_boundary",
		Confidence: 1.5,
	}
	_, err := Enforce(cand)
	assert.ErrorIs(t, err, ErrConfidenceOutOfBounds)
}

func TestEnforceRejectsBadZoneID(t *testing.T) {
	cand := CandidateEvent{
		EventType:  EventTypeBoundaryCrossingObjectLarge,
		TimeBucket: mustBucket(t, 600, 600),
		ZoneID:     "not a zone",
		Confidence: 0.5,
	}
	_, err := Enforce(cand)
	assert.Error(t, err)
}

func TestEnforceRejectsTokenWithOversizedBucket(t *testing.T) {
	var tok CorrelationToken
	cand := CandidateEvent{
		EventType:        EventTypeBoundaryCrossingObjectLarge,
		TimeBucket:       mustBucket(t, 3600, 3600),
		ZoneID:           "zone:front_boundary",
		Confidence:       0.5,
		CorrelationToken: &tok,
	}
	_, err := Enforce(cand)
	assert.ErrorIs(t, err, ErrTokenBucketTooWide)
}

func TestEnforceCoarsensAndNormalizesZone(t *testing.T) {
	cand := CandidateEvent{
		EventType:  EventTypeBoundaryCrossingObjectSmall,
		TimeBucket: mustBucket(t, 601, 300),
		ZoneID:     "ZONE:Front_Boundary",
		Confidence: 0.9,
	}
	ev, err := Enforce(cand)
	require.NoError(t, err)
	assert.Equal(t, TenMinutesS, ev.TimeBucket.SizeS)
	assert.Equal(t, "zone:front_boundary", ev.ZoneID)
}

func TestEnforceModuleEventAllowlist(t *testing.T) {
	desc := ModuleDescriptor{ID: "zone-crossing", AllowedEventTypes: []EventType{EventTypeBoundaryCrossingObjectLarge}}
	cand := CandidateEvent{EventType: EventTypeBoundaryCrossingObjectSmall}
	err := EnforceModuleEventAllowlist(desc, cand)
	assert.ErrorIs(t, err, ErrAllowlistViolation)

	cand.EventType = EventTypeBoundaryCrossingObjectLarge
	assert.NoError(t, EnforceModuleEventAllowlist(desc, cand))
}

func TestReprocessGuardAssertSameRuleset(t *testing.T) {
	a := [32]byte{1}
	b := [32]byte{2}
	assert.Error(t, ReprocessGuardAssertSameRuleset(a, b))
	assert.NoError(t, ReprocessGuardAssertSameRuleset(a, a))
}

type recordingSink struct {
	events   []Event
	failures []FailureEvent
	alarms   []string
}

func (s *recordingSink) AppendEvent(ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) AppendFailure(f FailureEvent) error {
	s.failures = append(s.failures, f)
	return nil
}

func (s *recordingSink) LogAlarm(code, message string) error {
	s.alarms = append(s.alarms, code)
	return nil
}

func TestAppendEventCheckedHappyPath(t *testing.T) {
	sink := &recordingSink{}
	desc := ModuleDescriptor{ID: "zone-crossing", AllowedEventTypes: []EventType{EventTypeBoundaryCrossingObjectLarge}}
	cand := CandidateEvent{
		EventType:  EventTypeBoundaryCrossingObjectLarge,
		TimeBucket: mustBucket(t, 600, 600),
		ZoneID:     "zone:front_boundary",
		Confidence: 0.9,
	}
	var rulesetHash [32]byte
	ev, err := AppendEventChecked(sink, nil, desc, cand, "v1", "default", rulesetHash)
	require.NoError(t, err)
	assert.Equal(t, "v1", ev.KernelVersion)
	assert.Len(t, sink.events, 1)
	assert.Empty(t, sink.failures)
}

func TestAppendEventCheckedRejectsSensitiveZone(t *testing.T) {
	sink := &recordingSink{}
	policy, err := zonepolicy.NewPolicy([]string{"zone:loading-dock"})
	require.NoError(t, err)

	desc := ModuleDescriptor{ID: "zone-crossing", AllowedEventTypes: []EventType{EventTypeBoundaryCrossingObjectLarge}}
	cand := CandidateEvent{
		EventType:  EventTypeBoundaryCrossingObjectLarge,
		TimeBucket: mustBucket(t, 600, 600),
		ZoneID:     "zone:loading-dock",
		Confidence: 0.9,
	}
	var rulesetHash [32]byte
	_, err = AppendEventChecked(sink, policy, desc, cand, "v1", "default", rulesetHash)
	assert.ErrorIs(t, err, ErrSensitiveZone)
	assert.Len(t, sink.failures, 1)
	assert.Equal(t, []string{"CONFORMANCE_ZONE_POLICY_REJECT"}, sink.alarms)
}

func TestAppendEventCheckedRejectsUnauthorizedModule(t *testing.T) {
	sink := &recordingSink{}
	desc := ModuleDescriptor{ID: "zone-crossing", AllowedEventTypes: []EventType{EventTypeBoundaryCrossingObjectLarge}}
	cand := CandidateEvent{
		EventType:  EventTypeBoundaryCrossingObjectSmall,
		TimeBucket: mustBucket(t, 600, 600),
		ZoneID:     "zone:front_boundary",
		Confidence: 0.9,
	}
	var rulesetHash [32]byte
	_, err := AppendEventChecked(sink, nil, desc, cand, "v1", "default", rulesetHash)
	assert.ErrorIs(t, err, ErrAllowlistViolation)
	assert.Len(t, sink.failures, 1)
}

func TestValidateDescriptorAcceptsNoCapabilities(t *testing.T) {
	desc := ModuleDescriptor{ID: "zone-crossing", AllowedEventTypes: []EventType{EventTypeBoundaryCrossingObjectLarge}}
	assert.NoError(t, ValidateDescriptor(desc))
}

func TestValidateDescriptorRejectsFilesystemCapability(t *testing.T) {
	desc := ModuleDescriptor{ID: "test-fs", RequestedCapabilities: []ModuleCapability{ModuleCapabilityFilesystem}}
	assert.Error(t, ValidateDescriptor(desc))
}

func TestValidateDescriptorRejectsNetworkCapability(t *testing.T) {
	desc := ModuleDescriptor{ID: "test-net", RequestedCapabilities: []ModuleCapability{ModuleCapabilityNetwork}}
	assert.Error(t, ValidateDescriptor(desc))
}

func TestValidateWireCandidateEventAcceptsMarshaledCandidateEvent(t *testing.T) {
	cand := CandidateEvent{
		EventType:  EventTypeBoundaryCrossingObjectSmall,
		TimeBucket: mustBucket(t, 600, 600),
		ZoneID:     "zone:front_boundary",
		Confidence: 0.9,
	}
	raw, err := json.Marshal(cand)
	require.NoError(t, err)
	assert.NoError(t, ValidateWireCandidateEvent(raw))
}

func TestValidateWireCandidateEventAcceptsValidInstance(t *testing.T) {
	raw := []byte(`{
		"event_type": 0,
		"time_bucket": {"start_epoch_s": 600, "size_s": 600},
		"zone_id": "zone:front_boundary",
		"confidence": 0.75
	}`)
	assert.NoError(t, ValidateWireCandidateEvent(raw))
}

func TestValidateWireCandidateEventRejectsBadZone(t *testing.T) {
	raw := []byte(`{
		"event_type": 0,
		"time_bucket": {"start_epoch_s": 600, "size_s": 600},
		"zone_id": "not a zone",
		"confidence": 0.75
	}`)
	assert.Error(t, ValidateWireCandidateEvent(raw))
}

func TestValidateWireCandidateEventRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{
		"event_type": 0,
		"time_bucket": {"start_epoch_s": 600, "size_s": 600},
		"zone_id": "zone:front_boundary",
		"confidence": 0.75,
		"gps": "41.4,-81.6"
	}`)
	assert.Error(t, ValidateWireCandidateEvent(raw))
}
