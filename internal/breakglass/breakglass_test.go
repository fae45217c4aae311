package breakglass

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/sealedsig"
)

type fakeReceiptSink struct {
	byHash map[[32]byte][]byte
	order  [][]byte
}

func newFakeReceiptSink() *fakeReceiptSink {
	return &fakeReceiptSink{byHash: make(map[[32]byte][]byte)}
}

func (f *fakeReceiptSink) AppendBreakGlassReceipt(payloadJSON []byte) ([32]byte, error) {
	var h [32]byte
	h[0] = byte(len(f.byHash) + 1)
	f.byHash[h] = append([]byte(nil), payloadJSON...)
	f.order = append(f.order, f.byHash[h])
	return h, nil
}

func (f *fakeReceiptSink) GetBreakGlassReceiptPayload(entryHash [32]byte) ([]byte, bool, error) {
	payload, ok := f.byHash[entryHash]
	return payload, ok, nil
}

// ListBreakGlassReceipts implements ReceiptLister.
func (f *fakeReceiptSink) ListBreakGlassReceipts() ([][]byte, error) {
	return f.order, nil
}

func testPolicy(t *testing.T, n uint8, m int) (*QuorumPolicy, []ed25519.PrivateKey) {
	t.Helper()
	var trustees []TrusteeEntry
	var privs []ed25519.PrivateKey
	for i := 0; i < m; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		trustees = append(trustees, TrusteeEntry{ID: NewTrusteeID(string(rune('a' + i))), PublicKey: pub})
		privs = append(privs, priv)
	}
	policy, err := NewQuorumPolicy(n, trustees)
	require.NoError(t, err)
	return policy, privs
}

func testRequest(t *testing.T) UnlockRequest {
	t.Helper()
	bucket, err := pwktime.New(600, 600)
	require.NoError(t, err)
	req, err := NewUnlockRequest("envelope-1", [32]byte{9}, "fraud investigation", bucket)
	require.NoError(t, err)
	return req
}

func sign(t *testing.T, priv ed25519.PrivateKey, hash [32]byte) []byte {
	t.Helper()
	return ed25519.Sign(priv, hash[:])
}

func TestQuorumDeniesInsufficientApprovals(t *testing.T) {
	policy, privs := testPolicy(t, 2, 3)
	req := testRequest(t)

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
	}
	outcome, _ := evaluate(policy, req, approvals, req.TimeBucket)
	assert.False(t, outcome.Granted)
	assert.Contains(t, outcome.Reason, "insufficient approvals: 1/2")
}

func TestQuorumDeniesUnrecognizedTrustee(t *testing.T) {
	policy, privs := testPolicy(t, 1, 2)
	req := testRequest(t)

	strangerPub, strangerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = strangerPub

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
		{Trustee: "stranger", RequestHash: req.RequestHash(), Signature: sign(t, strangerPriv, req.RequestHash())},
	}
	outcome, _ := evaluate(policy, req, approvals, req.TimeBucket)
	assert.False(t, outcome.Granted)
	assert.Contains(t, outcome.Reason, "unrecognized trustee approvals: stranger")
}

func TestQuorumInvalidSignatureDoesNotCount(t *testing.T) {
	policy, privs := testPolicy(t, 1, 2)
	req := testRequest(t)

	wrongHash := req.RequestHash()
	wrongHash[0] ^= 0xFF

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], wrongHash)},
	}
	outcome, _ := evaluate(policy, req, approvals, req.TimeBucket)
	assert.False(t, outcome.Granted)
	assert.Contains(t, outcome.Reason, "insufficient approvals: 0/1")
}

func TestQuorumGrantsOnThreshold(t *testing.T) {
	policy, privs := testPolicy(t, 2, 3)
	req := testRequest(t)

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
		{Trustee: "b", RequestHash: req.RequestHash(), Signature: sign(t, privs[1], req.RequestHash())},
	}
	outcome, receipt := evaluate(policy, req, approvals, req.TimeBucket)
	assert.True(t, outcome.Granted)
	assert.Len(t, receipt.TrusteesUsed, 2)
}

func TestQuorumDuplicateApprovalFromSameTrusteeCountsOnce(t *testing.T) {
	policy, privs := testPolicy(t, 2, 3)
	req := testRequest(t)

	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
	}
	outcome, _ := evaluate(policy, req, approvals, req.TimeBucket)
	assert.False(t, outcome.Granted)
}

func TestManagerAuthorizeGrantsAndMintsValidatableToken(t *testing.T) {
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
	outcome, token, err := mgr.Authorize(req, approvals)
	require.NoError(t, err)
	require.True(t, outcome.Granted)
	require.NotNil(t, token)

	require.NoError(t, token.Validate(req.VaultEnvelopeID, req.RulesetHash))
	require.NoError(t, token.Consume())

	err = token.Validate(req.VaultEnvelopeID, req.RulesetHash)
	assert.ErrorIs(t, err, ErrTokenConsumed)
}

func TestManagerAuthorizeDeniedStillRecordsReceiptAndReturnsNoToken(t *testing.T) {
	policy, _ := testPolicy(t, 2, 2)
	req := testRequest(t)
	sink := newFakeReceiptSink()

	_, devicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	mgr := NewManager(policy, devicePriv, sink, nil, 600, func() uint64 { return 650 })

	outcome, token, err := mgr.Authorize(req, nil)
	require.NoError(t, err)
	assert.False(t, outcome.Granted)
	assert.Nil(t, token)
	assert.Len(t, sink.byHash, 1)
}

func TestTokenValidateRejectsWrongEnvelope(t *testing.T) {
	policy, privs := testPolicy(t, 1, 1)
	req := testRequest(t)
	sink := newFakeReceiptSink()

	_, devicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	mgr := NewManager(policy, devicePriv, sink, nil, 600, func() uint64 { return 650 })
	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
	}
	_, token, err := mgr.Authorize(req, approvals)
	require.NoError(t, err)
	require.NotNil(t, token)

	err = token.Validate("some-other-envelope", req.RulesetHash)
	assert.Error(t, err)
}

func TestTokenValidateRejectsAfterBucketExpires(t *testing.T) {
	policy, privs := testPolicy(t, 1, 1)
	req := testRequest(t)
	sink := newFakeReceiptSink()

	_, devicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	mgr := NewManager(policy, devicePriv, sink, nil, 600, func() uint64 { return 650 })
	approvals := []Approval{
		{Trustee: "a", RequestHash: req.RequestHash(), Signature: sign(t, privs[0], req.RequestHash())},
	}
	_, token, err := mgr.Authorize(req, approvals)
	require.NoError(t, err)
	require.NotNil(t, token)

	token.now = func() uint64 { return 650 + 600 }
	err = token.Validate(req.VaultEnvelopeID, req.RulesetHash)
	assert.Error(t, err)
}

func TestTokenValidateRejectsWhenReceiptNotGranted(t *testing.T) {
	policy, _ := testPolicy(t, 1, 1)
	req := testRequest(t)
	sink := newFakeReceiptSink()

	devicePub, devicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := []byte(`{"outcome":{"granted":false,"reason":"denied"}}`)
	entryHash, err := sink.AppendBreakGlassReceipt(payload)
	require.NoError(t, err)

	sig := sealedsig.SignDomain(devicePriv, sealedsig.DomainBreakGlassToken, entryHash)
	token := &Token{
		vaultEnvelopeID:  req.VaultEnvelopeID,
		rulesetHash:      req.RulesetHash,
		expiresBucket:    req.TimeBucket,
		receiptEntryHash: entryHash,
		signature:        sig,
		devicePub:        devicePub,
		receipts:         sink,
		now:              func() uint64 { return 650 },
	}
	err = token.Validate(req.VaultEnvelopeID, req.RulesetHash)
	assert.Error(t, err)
}
