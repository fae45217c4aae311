package sealedlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/pwktime"
)

// Record is a sealed-log entry: either a trusted Event or an explicit
// FailureEvent. Exactly one of Event/Failure is set.
type Record struct {
	Event   *contract.Event
	Failure *contract.FailureEvent
}

// recordEnvelope is the on-disk JSON shape. The original kernel used
// serde's untagged enum representation for this union; encoding/json
// has no untagged-enum support, so the envelope carries an explicit
// "kind" discriminator instead.
type recordEnvelope struct {
	Kind    string                  `json:"kind"`
	Event   *contract.Event         `json:"event,omitempty"`
	Failure *contract.FailureEvent  `json:"failure,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	switch {
	case r.Event != nil:
		return json.Marshal(recordEnvelope{Kind: "event", Event: r.Event})
	case r.Failure != nil:
		return json.Marshal(recordEnvelope{Kind: "failure", Failure: r.Failure})
	default:
		return nil, errors.New("sealedlog: record has neither event nor failure set")
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("sealedlog: unmarshal record envelope: %w", err)
	}
	switch env.Kind {
	case "event":
		if env.Event == nil {
			return errors.New("sealedlog: record kind \"event\" missing event payload")
		}
		r.Event = env.Event
		r.Failure = nil
	case "failure":
		if env.Failure == nil {
			return errors.New("sealedlog: record kind \"failure\" missing failure payload")
		}
		r.Failure = env.Failure
		r.Event = nil
	default:
		return fmt.Errorf("sealedlog: unknown record kind %q", env.Kind)
	}
	return nil
}

// TimeBucket returns the record's time bucket regardless of kind.
func (r Record) TimeBucket() pwktime.Bucket {
	if r.Event != nil {
		return r.Event.TimeBucket
	}
	return r.Failure.TimeBucket
}

// RulesetHash returns the record's binding ruleset hash regardless of
// kind, used by the reprocess guard on read.
func (r Record) RulesetHash() [32]byte {
	if r.Event != nil {
		return r.Event.RulesetHash
	}
	return r.Failure.RulesetHash
}
