package breakglass

import (
	"crypto/ed25519"
	"fmt"
	"sort"

	"github.com/kmay89/pwk/internal/pwktime"
)

// countApprovals verifies every approval that claims to answer
// request against policy's trustee set and returns, in first-seen
// order, the distinct trustees whose signature verified, plus the
// sorted set of trustee ids that appeared in an approval but are not
// in policy at all (an unrecognized-trustee approval always denies
// the whole request, never just that one approval).
func countApprovals(policy *QuorumPolicy, request UnlockRequest, approvals []Approval) (used []TrusteeID, unknown []string) {
	requestHash := request.RequestHash()
	approved := make(map[TrusteeID]bool)
	unknownSet := make(map[string]bool)

	for _, approval := range approvals {
		if approval.RequestHash != requestHash {
			continue
		}
		trustee, ok := policy.trustee(approval.Trustee)
		if !ok {
			unknownSet[string(approval.Trustee)] = true
			continue
		}
		if len(approval.Signature) != ed25519.SignatureSize {
			continue
		}
		if !ed25519.Verify(trustee.PublicKey, requestHash[:], approval.Signature) {
			continue
		}
		if !approved[approval.Trustee] {
			approved[approval.Trustee] = true
			used = append(used, approval.Trustee)
		}
	}

	for id := range unknownSet {
		unknown = append(unknown, id)
	}
	sort.Strings(unknown)
	return used, unknown
}

// evaluate runs quorum counting and returns the outcome plus the
// receipt that must be recorded regardless of outcome.
func evaluate(policy *QuorumPolicy, request UnlockRequest, approvals []Approval, nowBucket pwktime.Bucket) (Outcome, Receipt) {
	used, unknown := countApprovals(policy, request, approvals)

	var outcome Outcome
	switch {
	case len(unknown) > 0:
		reason := "unrecognized trustee approvals: "
		for i, id := range unknown {
			if i > 0 {
				reason += ", "
			}
			reason += id
		}
		outcome = Outcome{Granted: false, Reason: reason}
	case len(used) >= int(policy.N):
		outcome = Outcome{Granted: true}
	default:
		outcome = Outcome{Granted: false, Reason: fmt.Sprintf("insufficient approvals: %d/%d", len(used), policy.N)}
	}

	receipt := Receipt{
		VaultEnvelopeID:     request.VaultEnvelopeID,
		RequestHash:         request.RequestHash(),
		RulesetHash:         request.RulesetHash,
		TimeBucket:          nowBucket,
		TrusteesUsed:        used,
		Outcome:             outcome,
		Approvals:           approvals,
		ApprovalsCommitment: ApprovalsCommitment(approvals),
	}
	return outcome, receipt
}
