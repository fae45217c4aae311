// Package contract implements the Event Contract boundary: module
// output arrives as an untrusted CandidateEvent, and ContractEnforcer
// is the only path that can turn it into a trusted, sealed-log-bound
// Event. Every rejection - bad confidence, disallowed zone id,
// oversized correlation-token bucket, module allowlist violation, or
// sensitive-zone policy hit - must produce both a durable FailureEvent
// and a conformance alarm; silently dropping a candidate is itself a
// conformance bug.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kmay89/pwk/internal/pwktime"
)

// RulesetHashFromID derives the ruleset hash that binds sealed events
// to a named ruleset: SHA256 of the ruleset id's UTF-8 bytes.
func RulesetHashFromID(rulesetID string) [32]byte {
	return sha256.Sum256([]byte(rulesetID))
}

// CorrelationToken is a 32-byte correlation token that marshals as a
// lowercase hex string on the wire, matching the candidate-event JSON
// Schema's correlation_token pattern.
type CorrelationToken [32]byte

// MarshalJSON implements json.Marshaler.
func (t CorrelationToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(t[:]))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *CorrelationToken) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("contract: decode correlation_token: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("contract: correlation_token must be 32 bytes, got %d", len(decoded))
	}
	copy(t[:], decoded)
	return nil
}

// TenMinutesS and FifteenMinutesS are the two bucket-width constants
// the contract enforces structurally: every sealed event is coarsened
// to (at least) ten minutes, and a correlation token may only
// accompany a bucket no wider than fifteen minutes.
const (
	TenMinutesS     uint32 = 600
	FifteenMinutesS uint32 = 900
)

// EventType enumerates the event vocabulary a module may emit. It is
// intentionally small and non-identity-bearing.
type EventType int

const (
	EventTypeBoundaryCrossingObjectLarge EventType = iota
	EventTypeBoundaryCrossingObjectSmall
)

func (t EventType) String() string {
	switch t {
	case EventTypeBoundaryCrossingObjectLarge:
		return "boundary_crossing_object_large"
	case EventTypeBoundaryCrossingObjectSmall:
		return "boundary_crossing_object_small"
	default:
		return fmt.Sprintf("event_type(%d)", int(t))
	}
}

// FailureType enumerates the conformance/operational failure
// vocabulary recorded as FailureEvents.
type FailureType int

const (
	FailureTypeStorageFull FailureType = iota
	FailureTypeStorageWriteFailed
	FailureTypeCryptoFailure
	FailureTypeClockSkew
	FailureTypeSensorDisagreement
	FailureTypePowerLoss
	FailureTypeFirmwareIntegrity
	FailureTypeGapMissingData
)

func (t FailureType) String() string {
	switch t {
	case FailureTypeStorageFull:
		return "storage_full"
	case FailureTypeStorageWriteFailed:
		return "storage_write_failed"
	case FailureTypeCryptoFailure:
		return "crypto_failure"
	case FailureTypeClockSkew:
		return "clock_skew"
	case FailureTypeSensorDisagreement:
		return "sensor_disagreement"
	case FailureTypePowerLoss:
		return "power_loss"
	case FailureTypeFirmwareIntegrity:
		return "firmware_integrity"
	case FailureTypeGapMissingData:
		return "gap_missing_data"
	default:
		return fmt.Sprintf("failure_type(%d)", int(t))
	}
}

// CandidateEvent is the untrusted wire shape a module emits.
type CandidateEvent struct {
	EventType        EventType         `json:"event_type"`
	TimeBucket       pwktime.Bucket    `json:"time_bucket"`
	ZoneID           string            `json:"zone_id"`
	Confidence       float32           `json:"confidence"`
	CorrelationToken *CorrelationToken `json:"correlation_token,omitempty"`
}

// Event is a trusted, kernel-bound claim, ready for the sealed log.
type Event struct {
	EventType        EventType
	TimeBucket       pwktime.Bucket
	ZoneID           string
	Confidence       float32
	CorrelationToken *CorrelationToken
	KernelVersion    string
	RulesetID        string
	RulesetHash      [32]byte
}

// Bind attaches kernel/ruleset binding metadata, completing the
// untrusted-to-trusted transition.
func (e Event) Bind(kernelVersion, rulesetID string, rulesetHash [32]byte) Event {
	e.KernelVersion = kernelVersion
	e.RulesetID = rulesetID
	e.RulesetHash = rulesetHash
	return e
}

// FailureEvent is an explicit failure/gap artifact recorded in the
// sealed log whenever a candidate is rejected or an operational fault
// occurs.
type FailureEvent struct {
	FailureType   FailureType
	TimeBucket    pwktime.Bucket
	Details       string
	KernelVersion string
	RulesetID     string
	RulesetHash   [32]byte
}

// Bind attaches kernel/ruleset binding metadata.
func (f FailureEvent) Bind(kernelVersion, rulesetID string, rulesetHash [32]byte) FailureEvent {
	f.KernelVersion = kernelVersion
	f.RulesetID = rulesetID
	f.RulesetHash = rulesetHash
	return f
}

// ModuleCapability enumerates the resources a module may request at
// registration time. The runtime grants neither: any module declaring
// either forbids it from running at all, see ValidateDescriptor.
type ModuleCapability int

const (
	ModuleCapabilityFilesystem ModuleCapability = iota
	ModuleCapabilityNetwork
)

func (c ModuleCapability) String() string {
	switch c {
	case ModuleCapabilityFilesystem:
		return "Filesystem"
	case ModuleCapabilityNetwork:
		return "Network"
	default:
		return fmt.Sprintf("ModuleCapability(%d)", int(c))
	}
}

// ModuleDescriptor declares what a module is authorized to emit, which
// capabilities (always none, post-ValidateDescriptor) it asked for,
// and which detection backends it can run against, in preference
// order.
type ModuleDescriptor struct {
	ID                    string
	AllowedEventTypes     []EventType
	RequestedCapabilities []ModuleCapability
	SupportedBackends     []string
}

// ValidateDescriptor rejects any descriptor that requests a
// capability at all - the runtime's capability boundary grants
// neither filesystem nor network access to a module, so a
// non-empty RequestedCapabilities list is itself the violation,
// regardless of which capability heads the list.
func ValidateDescriptor(desc ModuleDescriptor) error {
	if cap, ok := firstCapability(desc.RequestedCapabilities); ok {
		return fmt.Errorf("conformance: module %s requested forbidden capability %s", desc.ID, cap)
	}
	return nil
}

func firstCapability(caps []ModuleCapability) (ModuleCapability, bool) {
	if len(caps) == 0 {
		return 0, false
	}
	return caps[0], true
}
