package breakglass

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"

	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/rawmedia"
	"github.com/kmay89/pwk/internal/sealedsig"
)

var _ rawmedia.ExportToken = (*Token)(nil)

// ErrTokenConsumed is returned when a token that has already released
// its bytes once is presented again.
var ErrTokenConsumed = errors.New("breakglass: token already consumed")

// ReceiptStore is the lookup a Token needs to confirm the receipt it
// was minted against is still, in the durable log, a Granted receipt.
// sealedlog.Engine satisfies this without breakglass importing it.
type ReceiptStore interface {
	GetBreakGlassReceiptPayload(entryHash [32]byte) ([]byte, bool, error)
}

// Token is the single-use credential minted by a Granted authorization.
// Its Validate/Consume pair implements rawmedia.ExportToken: every
// field needed beyond the two arguments that method accepts (the
// device key, the receipt store, the wall clock) is baked in at mint
// time by Manager.Authorize, since the original kernel never finished
// an authorize_mvp token implementation to port this from - this
// shape is built fresh against the richer validation list.
type Token struct {
	tokenNonce       [32]byte
	expiresBucket    pwktime.Bucket
	vaultEnvelopeID  string
	rulesetHash      [32]byte
	receiptEntryHash [32]byte
	signature        []byte

	devicePub ed25519.PublicKey
	receipts  ReceiptStore
	now       func() uint64

	mu       sync.Mutex
	consumed bool
}

// Validate implements rawmedia.ExportToken. It checks, in order: the
// envelope id and ruleset hash match what this token was minted for;
// the token has not expired past its bucket boundary; the signature
// over the receipt entry hash verifies under the device key; the
// referenced receipt is still recorded as Granted; and the token has
// not already been consumed. A failing check never consumes the
// token.
func (t *Token) Validate(envelopeID string, expectedRulesetHash [32]byte) error {
	if envelopeID != t.vaultEnvelopeID {
		return errors.New("breakglass: token does not match vault envelope")
	}
	if expectedRulesetHash != t.rulesetHash {
		return errors.New("breakglass: token does not match ruleset hash")
	}

	nowBucket, err := pwktime.Now(t.now(), t.expiresBucket.SizeS)
	if err != nil {
		return err
	}
	if !nowBucket.Equal(t.expiresBucket) {
		return errors.New("breakglass: token has expired")
	}

	dh := sealedsig.DomainHash(sealedsig.DomainBreakGlassToken, t.receiptEntryHash)
	if !ed25519.Verify(t.devicePub, dh[:], t.signature) {
		return errors.New("breakglass: token signature does not verify")
	}

	payload, found, err := t.receipts.GetBreakGlassReceiptPayload(t.receiptEntryHash)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("breakglass: token's receipt is not recorded")
	}
	var receipt Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return errors.New("breakglass: token's receipt payload is unreadable")
	}
	if !receipt.Outcome.Granted {
		return errors.New("breakglass: token's receipt was not granted")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed {
		return ErrTokenConsumed
	}
	return nil
}

// Consume marks the token spent. Call only after Validate has
// succeeded for the export attempt that is about to proceed.
func (t *Token) Consume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed {
		return ErrTokenConsumed
	}
	t.consumed = true
	return nil
}

// TokenFile is a Token's on-the-wire representation, so a token minted
// by one process (pwk-break-glass) can be handed to another
// (pwk-export-events) as a file. Reconstruction via TokenFromFile
// requires the same ReceiptStore and device public key the minting
// process used, so a forged or replayed file still fails Validate.
type TokenFile struct {
	TokenNonce       [32]byte         `json:"token_nonce"`
	ExpiresBucket    pwktime.Bucket   `json:"expires_bucket"`
	VaultEnvelopeID  string           `json:"vault_envelope_id"`
	RulesetHash      [32]byte         `json:"ruleset_hash"`
	ReceiptEntryHash [32]byte         `json:"receipt_entry_hash"`
	Signature        []byte           `json:"signature"`
	DevicePub        ed25519.PublicKey `json:"device_pub"`
}

// ToFile returns t's serializable representation.
func (t *Token) ToFile() TokenFile {
	return TokenFile{
		TokenNonce:       t.tokenNonce,
		ExpiresBucket:    t.expiresBucket,
		VaultEnvelopeID:  t.vaultEnvelopeID,
		RulesetHash:      t.rulesetHash,
		ReceiptEntryHash: t.receiptEntryHash,
		Signature:        t.signature,
		DevicePub:        t.devicePub,
	}
}

// TokenFromFile reconstructs a Token from its file representation,
// wiring it to receipts for the receipt-still-granted check and nowFn
// for the expiry check. Pass nil nowFn to use the wall clock.
func TokenFromFile(tf TokenFile, receipts ReceiptStore, nowFn func() uint64) *Token {
	now := nowFn
	if now == nil {
		now = func() uint64 { return uint64(wallClockNowUnix()) }
	}
	return &Token{
		tokenNonce:       tf.TokenNonce,
		expiresBucket:    tf.ExpiresBucket,
		vaultEnvelopeID:  tf.VaultEnvelopeID,
		rulesetHash:      tf.RulesetHash,
		receiptEntryHash: tf.ReceiptEntryHash,
		signature:        tf.Signature,
		devicePub:        tf.DevicePub,
		receipts:         receipts,
		now:              now,
	}
}
