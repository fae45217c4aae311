package breakglass

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/sealedsig"
)

// ReceiptSink is where Manager durably records every authorize
// outcome, granted or denied. sealedlog.Engine satisfies this.
type ReceiptSink interface {
	ReceiptStore
	AppendBreakGlassReceipt(payloadJSON []byte) ([32]byte, error)
}

// Notifier is a best-effort side channel for telling a desk operator
// that a break-glass grant just happened. A nil Notifier, or one that
// returns an error, never affects authorization: the receipt and
// token are the authoritative record.
type Notifier interface {
	NotifyGranted(vaultEnvelopeID, purpose string) error
}

// Manager holds the quorum policy, this device's token-signing key,
// and the receipt sink a running kernel authorizes break-glass
// requests against.
type Manager struct {
	policy      *QuorumPolicy
	devicePriv  ed25519.PrivateKey
	devicePub   ed25519.PublicKey
	receipts    ReceiptSink
	notifier    Notifier
	bucketSizeS uint32
	nowFn       func() uint64
}

// NewManager constructs a Manager. nowFn supplies the current epoch
// second; pass nil to use the wall clock.
func NewManager(policy *QuorumPolicy, devicePriv ed25519.PrivateKey, receipts ReceiptSink, notifier Notifier, bucketSizeS uint32, nowFn func() uint64) *Manager {
	return &Manager{
		policy:      policy,
		devicePriv:  devicePriv,
		devicePub:   devicePriv.Public().(ed25519.PublicKey),
		receipts:    receipts,
		notifier:    notifier,
		bucketSizeS: bucketSizeS,
		nowFn:       nowFn,
	}
}

// Authorize runs quorum counting over approvals against request,
// always appends a Receipt to the sink regardless of outcome, and on
// a Granted outcome mints and returns a single-use Token. The
// returned error is nil whenever a receipt was successfully recorded,
// even for a Denied outcome; callers should inspect the returned
// Outcome to distinguish grant from denial.
func (m *Manager) Authorize(request UnlockRequest, approvals []Approval) (Outcome, *Token, error) {
	nowEpoch := m.currentEpoch()
	nowBucket, err := pwktime.Now(nowEpoch, m.bucketSizeS)
	if err != nil {
		return Outcome{}, nil, err
	}

	outcome, receipt := evaluate(m.policy, request, approvals, nowBucket)

	payload, err := json.Marshal(receipt)
	if err != nil {
		return Outcome{}, nil, fmt.Errorf("breakglass: marshal receipt: %w", err)
	}
	receiptEntryHash, err := m.receipts.AppendBreakGlassReceipt(payload)
	if err != nil {
		return Outcome{}, nil, fmt.Errorf("breakglass: append receipt: %w", err)
	}

	if !outcome.Granted {
		return outcome, nil, nil
	}

	if m.notifier != nil {
		_ = m.notifier.NotifyGranted(request.VaultEnvelopeID, request.Purpose)
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return outcome, nil, fmt.Errorf("breakglass: draw token nonce: %w", err)
	}
	sig := sealedsig.SignDomain(m.devicePriv, sealedsig.DomainBreakGlassToken, receiptEntryHash)

	token := &Token{
		tokenNonce:       nonce,
		expiresBucket:    nowBucket,
		vaultEnvelopeID:  request.VaultEnvelopeID,
		rulesetHash:      request.RulesetHash,
		receiptEntryHash: receiptEntryHash,
		signature:        sig,
		devicePub:        m.devicePub,
		receipts:         m.receipts,
		now:              m.currentEpoch,
	}
	return outcome, token, nil
}

func (m *Manager) currentEpoch() uint64 {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return uint64(wallClockNowUnix())
}
