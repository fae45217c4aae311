package breakglass

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalsCommitmentIgnoresSubmissionOrder(t *testing.T) {
	_, privs := testPolicy(t, 1, 2)
	req := testRequest(t)

	a := Approval{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())}
	b := Approval{Trustee: "b", RequestHash: req.RequestHash(), Signature: sign(t, privs[1], req.RequestHash())}

	assert.Equal(t, ApprovalsCommitment([]Approval{a, b}), ApprovalsCommitment([]Approval{b, a}))
}

func TestApprovalsCommitmentChangesOnDifferentApprovalSet(t *testing.T) {
	_, privs := testPolicy(t, 1, 2)
	req := testRequest(t)

	a := Approval{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())}
	b := Approval{Trustee: "b", RequestHash: req.RequestHash(), Signature: sign(t, privs[1], req.RequestHash())}

	assert.NotEqual(t, ApprovalsCommitment([]Approval{a}), ApprovalsCommitment([]Approval{a, b}))
}

func TestEvaluatePopulatesApprovalsAndCommitment(t *testing.T) {
	policy, privs := testPolicy(t, 1, 1)
	req := testRequest(t)

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
	}
	_, receipt := evaluate(policy, req, approvals, req.TimeBucket)
	assert.Equal(t, approvals, receipt.Approvals)
	assert.Equal(t, ApprovalsCommitment(approvals), receipt.ApprovalsCommitment)
}

func TestVerifyApprovalsAcceptsGrantedReceipt(t *testing.T) {
	policy, privs := testPolicy(t, 1, 1)
	req := testRequest(t)

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
	}
	_, receipt := evaluate(policy, req, approvals, req.TimeBucket)
	require.NoError(t, VerifyApprovals(policy, receipt))
}

func TestVerifyApprovalsRejectsTamperedCommitment(t *testing.T) {
	policy, privs := testPolicy(t, 1, 1)
	req := testRequest(t)

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
	}
	_, receipt := evaluate(policy, req, approvals, req.TimeBucket)
	receipt.ApprovalsCommitment[0] ^= 0xFF

	err := VerifyApprovals(policy, receipt)
	assert.ErrorContains(t, err, "approvals_commitment mismatch")
}

func TestVerifyApprovalsRejectsUnknownTrustee(t *testing.T) {
	policy, _ := testPolicy(t, 1, 1)
	req := testRequest(t)

	_, strangerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	approvals := []Approval{
		{Trustee: "stranger", RequestHash: req.RequestHash(), Signature: sign(t, strangerPriv, req.RequestHash())},
	}
	receipt := Receipt{
		RequestHash:         req.RequestHash(),
		Approvals:           approvals,
		ApprovalsCommitment: ApprovalsCommitment(approvals),
	}

	err = VerifyApprovals(policy, receipt)
	assert.ErrorContains(t, err, "unknown trustee approval: stranger")
}

func TestVerifyApprovalsRejectsRequestHashMismatch(t *testing.T) {
	policy, privs := testPolicy(t, 1, 1)
	req := testRequest(t)

	otherHash := req.RequestHash()
	otherHash[0] ^= 0xFF

	approvals := []Approval{
		{Trustee: "a", RequestHash: otherHash, Signature: sign(t, privs[0], otherHash)},
	}
	receipt := Receipt{
		RequestHash:         req.RequestHash(),
		Approvals:           approvals,
		ApprovalsCommitment: ApprovalsCommitment(approvals),
	}

	err := VerifyApprovals(policy, receipt)
	assert.ErrorContains(t, err, "approval request_hash mismatch for trustee a")
}

func TestVerifyApprovalsRejectsBadSignature(t *testing.T) {
	policy, privs := testPolicy(t, 1, 1)
	req := testRequest(t)

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
	}
	approvals[0].Signature[0] ^= 0xFF
	receipt := Receipt{
		RequestHash:         req.RequestHash(),
		Approvals:           approvals,
		ApprovalsCommitment: ApprovalsCommitment(approvals),
	}

	err := VerifyApprovals(policy, receipt)
	assert.ErrorContains(t, err, "invalid signature for trustee a")
}

func TestVerifyReceiptChainWalksEveryAppendedReceipt(t *testing.T) {
	policy, privs := testPolicy(t, 1, 1)
	req := testRequest(t)
	sink := newFakeReceiptSink()

	devicePub, devicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = devicePub

	mgr := NewManager(policy, devicePriv, sink, nil, 600, func() uint64 { return 650 })

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
	}
	_, _, err = mgr.Authorize(req, approvals)
	require.NoError(t, err)

	require.NoError(t, VerifyReceiptChain(policy, sink))
}
