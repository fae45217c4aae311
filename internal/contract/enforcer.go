package contract

import (
	"errors"
	"fmt"

	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/zonepolicy"
)

// ErrConfidenceOutOfBounds, ErrAllowlistViolation, and
// ErrTokenBucketTooWide are the three ways Enforce can reject a
// CandidateEvent. ErrSensitiveZone is raised one layer up, by
// AppendEventChecked, once the zone policy has been consulted.
var (
	ErrConfidenceOutOfBounds = errors.New("contract: confidence out of bounds")
	ErrAllowlistViolation    = errors.New("contract: module not authorized to emit this event type")
	ErrTokenBucketTooWide    = errors.New("contract: correlation token with oversized bucket")
	ErrSensitiveZone         = errors.New("contract: sensitive zone rejected by policy")
)

// Enforce is the sole path from an untrusted CandidateEvent to a
// trusted Event: it coarsens the time bucket, validates the zone id
// against the allowlist pattern, and enforces the confidence and
// correlation-token-bucket-width invariants. The returned Event is
// not yet kernel/ruleset-bound; callers bind it via Event.Bind (or use
// AppendEventChecked, which does both steps together).
func Enforce(c CandidateEvent) (Event, error) {
	if c.Confidence < 0 || c.Confidence > 1 {
		return Event{}, ErrConfidenceOutOfBounds
	}

	bucket, err := c.TimeBucket.CoarsenTo(TenMinutesS)
	if err != nil {
		return Event{}, fmt.Errorf("contract: coarsen time bucket: %w", err)
	}

	zoneID, err := zonepolicy.ValidateID(c.ZoneID)
	if err != nil {
		return Event{}, fmt.Errorf("contract: %w", err)
	}

	if c.CorrelationToken != nil && c.TimeBucket.SizeS > FifteenMinutesS {
		return Event{}, ErrTokenBucketTooWide
	}

	return Event{
		EventType:        c.EventType,
		TimeBucket:       bucket,
		ZoneID:           zoneID,
		Confidence:       c.Confidence,
		CorrelationToken: c.CorrelationToken,
	}, nil
}

// EnforceModuleEventAllowlist verifies desc authorizes cand's event
// type. This check runs before Enforce, since an unauthorized event
// type should never reach contract validation at all.
func EnforceModuleEventAllowlist(desc ModuleDescriptor, cand CandidateEvent) error {
	for _, allowed := range desc.AllowedEventTypes {
		if allowed == cand.EventType {
			return nil
		}
	}
	return fmt.Errorf("%w: module %q, event type %s", ErrAllowlistViolation, desc.ID, cand.EventType)
}

// AuditableError is a conformance error carrying a stable machine
// code alongside its human-readable message, so every rejection can
// be logged with a code a dashboard can group on.
type AuditableError struct {
	Code    string
	Message string
}

func (e *AuditableError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ReprocessGuard ensures an operation never applies a new ruleset to
// historical data - reprocessing sealed events under a different
// ruleset than the one they were sealed with is always a conformance
// violation, never a silent upgrade.
func ReprocessGuardAssertSameRuleset(expectedRulesetHash, recordRulesetHash [32]byte) error {
	if expectedRulesetHash != recordRulesetHash {
		return &AuditableError{
			Code:    "CONFORMANCE_REPROCESS_VIOLATION",
			Message: "attempt to reprocess historical data under a different ruleset",
		}
	}
	return nil
}

// Sink is the durable destination AppendEventChecked writes trusted
// Events, FailureEvents, and conformance alarms to. The concrete
// implementation is the sealed-log engine; contract depends only on
// this interface so the enforcement boundary has no import-time
// dependency on storage.
type Sink interface {
	AppendEvent(ev Event) error
	AppendFailure(f FailureEvent) error
	LogAlarm(code, message string) error
}

// AppendEventChecked runs the full untrusted-to-sealed pipeline for
// one candidate: module allowlist check, contract enforcement, zone
// sensitivity check, kernel/ruleset binding, and durable append. Every
// rejection path logs a conformance alarm and appends a FailureEvent
// before returning its error - the candidate is never silently
// dropped.
func AppendEventChecked(
	sink Sink,
	policy *zonepolicy.Policy,
	desc ModuleDescriptor,
	cand CandidateEvent,
	kernelVersion, rulesetID string,
	rulesetHash [32]byte,
) (Event, error) {
	if err := EnforceModuleEventAllowlist(desc, cand); err != nil {
		return Event{}, rejectCandidate(sink, "CONFORMANCE_MODULE_ALLOWLIST", err, cand.TimeBucket, kernelVersion, rulesetID, rulesetHash)
	}

	ev, err := Enforce(cand)
	if err != nil {
		return Event{}, rejectCandidate(sink, "CONFORMANCE_CONTRACT_REJECT", err, cand.TimeBucket, kernelVersion, rulesetID, rulesetHash)
	}

	if policy != nil && policy.IsSensitive(ev.ZoneID) {
		return Event{}, rejectCandidate(sink, "CONFORMANCE_ZONE_POLICY_REJECT", ErrSensitiveZone, ev.TimeBucket, kernelVersion, rulesetID, rulesetHash)
	}

	bound := ev.Bind(kernelVersion, rulesetID, rulesetHash)
	if err := sink.AppendEvent(bound); err != nil {
		return Event{}, fmt.Errorf("contract: append event: %w", err)
	}
	return bound, nil
}

func rejectCandidate(sink Sink, code string, cause error, bucket pwktime.Bucket, kernelVersion, rulesetID string, rulesetHash [32]byte) error {
	_ = sink.LogAlarm(code, cause.Error())

	failureBucket, err := bucket.CoarsenTo(TenMinutesS)
	if err != nil {
		// bucket is already wider than ten minutes; CoarsenTo refuses to
		// narrow it, so record the failure under its own (wider) bucket
		// rather than manufacturing a fresh, less meaningful one.
		failureBucket = bucket
	}

	failure := FailureEvent{
		FailureType: FailureTypeGapMissingData,
		TimeBucket:  failureBucket,
		Details:     fmt.Sprintf("%s: %s", code, cause.Error()),
	}.Bind(kernelVersion, rulesetID, rulesetHash)

	if appendErr := sink.AppendFailure(failure); appendErr != nil {
		return fmt.Errorf("contract: %s: %w (and failed to append failure event: %v)", code, cause, appendErr)
	}
	return cause
}
