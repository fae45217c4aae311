package breakglass

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
)

// ApprovalsCommitment hashes approvals in trustee-id sorted order, so
// two receipts carrying the same approval set always commit to the
// same value regardless of submission order, and a single reordered,
// added, or removed approval changes the commitment.
func ApprovalsCommitment(approvals []Approval) [32]byte {
	sorted := make([]Approval, len(approvals))
	copy(sorted, approvals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Trustee < sorted[j].Trustee })

	h := sha256.New()
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(sorted)))
	h.Write(countBuf[:])
	for _, a := range sorted {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(a.Trustee)))
		h.Write(lenBuf[:])
		h.Write([]byte(a.Trustee))
		h.Write(a.RequestHash[:])
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(a.Signature)))
		h.Write(lenBuf[:])
		h.Write(a.Signature)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ReceiptLister returns every break-glass receipt ever appended, in
// chain order. sealedlog.Engine satisfies this for the sealed-log
// backed deployment; it exists here so the verification logic below
// never needs to import sealedlog.
type ReceiptLister interface {
	ListBreakGlassReceipts() ([][]byte, error)
}

// VerifyApprovals reproduces the independent auditor's check against
// one receipt: the stored approvals must recommit to the same
// ApprovalsCommitment the receipt carries, and every approval must
// name a trustee in policy, match the receipt's request hash, and
// carry a valid ed25519 signature under that trustee's key. It does
// not re-run quorum counting - a receipt can legitimately record more
// approvals than were needed, or approvals from trustees who arrived
// after the outcome was already decided.
func VerifyApprovals(policy *QuorumPolicy, receipt Receipt) error {
	if got := ApprovalsCommitment(receipt.Approvals); got != receipt.ApprovalsCommitment {
		return fmt.Errorf("breakglass: approvals_commitment mismatch: stored=%x recomputed=%x", receipt.ApprovalsCommitment, got)
	}
	for _, approval := range receipt.Approvals {
		if approval.RequestHash != receipt.RequestHash {
			return fmt.Errorf("breakglass: approval request_hash mismatch for trustee %s", approval.Trustee)
		}
		trustee, ok := policy.trustee(approval.Trustee)
		if !ok {
			return fmt.Errorf("breakglass: unknown trustee approval: %s", approval.Trustee)
		}
		if len(trustee.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("breakglass: invalid public key for trustee %s", trustee.ID)
		}
		if len(approval.Signature) != ed25519.SignatureSize {
			return fmt.Errorf("breakglass: invalid signature bytes for trustee %s", trustee.ID)
		}
		if !ed25519.Verify(trustee.PublicKey, approval.RequestHash[:], approval.Signature) {
			return fmt.Errorf("breakglass: invalid signature for trustee %s", trustee.ID)
		}
	}
	return nil
}

// VerifyReceiptChain runs VerifyApprovals against every receipt lister
// returns, in order, for log_verify-style tooling that wants to audit
// the full break-glass history rather than a single receipt.
func VerifyReceiptChain(policy *QuorumPolicy, lister ReceiptLister) error {
	payloads, err := lister.ListBreakGlassReceipts()
	if err != nil {
		return fmt.Errorf("breakglass: list receipts: %w", err)
	}
	for i, payload := range payloads {
		var receipt Receipt
		if err := json.Unmarshal(payload, &receipt); err != nil {
			return fmt.Errorf("breakglass: receipt %d: unmarshal: %w", i, err)
		}
		if err := VerifyApprovals(policy, receipt); err != nil {
			return fmt.Errorf("breakglass: receipt %d: %w", i, err)
		}
	}
	return nil
}
