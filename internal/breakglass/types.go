// Package breakglass implements the N-of-M trustee quorum that mints
// the single-use token rawmedia requires before any raw pixel byte
// may leave the kernel. Authorization always produces a receipt - a
// denial is logged exactly as durably as a grant - and only a
// Granted receipt can ever be turned into a usable token.
package breakglass

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/kmay89/pwk/internal/pwktime"
)

// TrusteeID identifies a quorum member.
type TrusteeID string

// NewTrusteeID trims surrounding whitespace, matching the original
// kernel's TrusteeId::new.
func NewTrusteeID(id string) TrusteeID {
	return TrusteeID(strings.TrimSpace(id))
}

// TrusteeEntry binds a trustee id to its approval-signing public key.
type TrusteeEntry struct {
	ID        TrusteeID
	PublicKey ed25519.PublicKey
}

// QuorumPolicy is the configured N-of-M trustee set: at least N of the
// M registered trustees must produce a valid approval signature over
// the same request hash for an UnlockRequest to be granted.
type QuorumPolicy struct {
	N        uint8
	M        uint8
	Trustees []TrusteeEntry
}

// NewQuorumPolicy validates threshold and trustee set invariants:
// threshold must be nonzero and not exceed the trustee count, trustee
// ids must be nonempty and unique, and every public key must be a
// well-formed ed25519 key.
func NewQuorumPolicy(threshold uint8, trustees []TrusteeEntry) (*QuorumPolicy, error) {
	if threshold == 0 {
		return nil, errors.New("breakglass: quorum threshold must be > 0")
	}
	m := len(trustees)
	if m == 0 {
		return nil, errors.New("breakglass: quorum must include at least one trustee")
	}
	if int(threshold) > m {
		return nil, errors.New("breakglass: quorum threshold exceeds trustee count")
	}
	seen := make(map[TrusteeID]bool, m)
	for _, t := range trustees {
		if t.ID == "" {
			return nil, errors.New("breakglass: trustee id cannot be empty")
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("breakglass: duplicate trustee id: %s", t.ID)
		}
		seen[t.ID] = true
		if len(t.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("breakglass: invalid public key for trustee %s", t.ID)
		}
	}
	return &QuorumPolicy{N: threshold, M: uint8(m), Trustees: trustees}, nil
}

func (p *QuorumPolicy) trustee(id TrusteeID) (TrusteeEntry, bool) {
	for _, t := range p.Trustees {
		if t.ID == id {
			return t, true
		}
	}
	return TrusteeEntry{}, false
}

// UnlockRequest is the incident operator's request to unlock raw-media
// export for one vault envelope, bound to a ruleset and time bucket so
// stale or out-of-context approvals can never be replayed.
type UnlockRequest struct {
	VaultEnvelopeID string
	RulesetHash     [32]byte
	Purpose         string
	TimeBucket      pwktime.Bucket
}

// NewUnlockRequest validates and trims the request's string fields.
func NewUnlockRequest(vaultEnvelopeID string, rulesetHash [32]byte, purpose string, bucket pwktime.Bucket) (UnlockRequest, error) {
	vaultEnvelopeID = strings.TrimSpace(vaultEnvelopeID)
	purpose = strings.TrimSpace(purpose)
	if vaultEnvelopeID == "" {
		return UnlockRequest{}, errors.New("breakglass: vault envelope id cannot be empty")
	}
	if purpose == "" {
		return UnlockRequest{}, errors.New("breakglass: purpose cannot be empty")
	}
	return UnlockRequest{VaultEnvelopeID: vaultEnvelopeID, RulesetHash: rulesetHash, Purpose: purpose, TimeBucket: bucket}, nil
}

// Approval is one trustee's ed25519 signature over a request hash.
type Approval struct {
	Trustee     TrusteeID `json:"trustee"`
	RequestHash [32]byte  `json:"request_hash"`
	Signature   []byte    `json:"signature"`
}

// Outcome is the result of running quorum counting against a set of
// approvals: either Granted, or Denied with a human-readable reason.
type Outcome struct {
	Granted bool
	Reason  string
}

// Receipt is the durable, always-written audit record of one
// authorize call, regardless of outcome. Approvals carries every
// approval submitted to Authorize (not just the ones that counted
// toward quorum), and ApprovalsCommitment binds the receipt to that
// exact set so a later auditor can detect a receipt whose stored
// approvals were edited after the fact, independent of the sealed-log
// chain's own tamper detection.
type Receipt struct {
	VaultEnvelopeID     string         `json:"vault_envelope_id"`
	RequestHash         [32]byte       `json:"request_hash"`
	RulesetHash         [32]byte       `json:"ruleset_hash"`
	TimeBucket          pwktime.Bucket `json:"time_bucket"`
	TrusteesUsed        []TrusteeID    `json:"trustees_used"`
	Outcome             Outcome        `json:"outcome"`
	Approvals           []Approval     `json:"approvals"`
	ApprovalsCommitment [32]byte       `json:"approvals_commitment"`
}
