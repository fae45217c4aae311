// Package sealedlog implements the append-only, hash-chained,
// domain-separated-signature sealed log: every sealed event, every
// checkpoint, every break-glass receipt, every export receipt, and
// every conformance alarm lands in its own hash-chained table, so
// tampering with or deleting a row breaks the chain for everything
// written after it.
package sealedlog

import (
	"crypto/ed25519"
	"crypto/sha256"
	"time"

	"github.com/kmay89/pwk/internal/sealedsig"
)

// Receipt table names accepted by Store.AppendReceipt. sealed_events
// and checkpoints are written through their own dedicated methods
// because their row shapes (and chain-head resolution rules) differ
// from a plain chained receipt row.
const (
	TableBreakGlassReceipts = "break_glass_receipts"
	TableExportReceipts     = "export_receipts"
)

// zeroHash is the chain genesis value: the prev_hash of the very
// first row ever written to a table.
var zeroHash [32]byte

// hashEntry computes entry_hash = SHA256(prev_hash || payload), the
// un-domain-separated chain-linking hash. Domain separation is applied
// only to the signature over this hash, not to the hash itself - this
// matches the original kernel's hash_entry/sign_entry split.
func hashEntry(prevHash [32]byte, payload []byte) [32]byte {
	h := sha256.New()
	h.Write(prevHash[:])
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// LogAlarmFunc records a conformance alarm inline with a read or
// append path, mirroring the original kernel's log_alarm callback
// threaded through read_events_ruleset_bound.
type LogAlarmFunc func(code, message string) error

// AttestFunc binds a checkpoint's chain-head hash to a TPM quote,
// returning the encoded binding to persist alongside the checkpoint.
// A nil return with a nil error means no attestation is available
// (no TPM, or attestation disabled) - the checkpoint is still sealed,
// just without hardware binding.
type AttestFunc func(head [32]byte) (encodedBinding []byte, err error)

// Store is the storage backend for the sealed log: a SQLite-backed
// implementation for production use, and an in-memory implementation
// for tests and ephemeral kernels.
type Store interface {
	// AppendEventRecord appends rec to the sealed_events chain,
	// deriving prev_hash from the latest event (or, if the event
	// table is empty, the latest checkpoint's chain head).
	AppendEventRecord(rec Record, signer *EntrySigner) error

	// EnforceRetentionWithCheckpoint finds the newest sealed event
	// older than now.Add(-retention), seals a signed checkpoint over
	// its entry_hash, and deletes every event at or before the cutoff.
	// A no-op if no event is old enough. attest may be nil, in which
	// case the checkpoint carries no TPM binding.
	EnforceRetentionWithCheckpoint(now time.Time, retention time.Duration, signer *EntrySigner, attest AttestFunc) error

	// ReadEventsRulesetBound reads up to limit records in ascending
	// insertion order, asserting each record's ruleset hash matches
	// expectedRulesetHash. On the first mismatch it logs a
	// CONFORMANCE_REPROCESS_VIOLATION alarm via logAlarm and aborts the
	// whole read (fail-fast, not skip-and-continue).
	ReadEventsRulesetBound(expectedRulesetHash [32]byte, limit int, logAlarm LogAlarmFunc) ([]Record, error)

	// AppendReceipt appends an opaque, already-serialized receipt
	// payload to the named chained table under the given signature
	// domain, returning the new entry_hash. table must be one of the
	// Table* constants.
	AppendReceipt(table, domain string, payloadJSON []byte, signer *EntrySigner) ([32]byte, error)

	// AppendAlarm appends a conformance alarm to the chained
	// conformance_alarms table.
	AppendAlarm(code, message string, signer *EntrySigner) error

	// GetReceipt looks up a previously appended receipt payload by its
	// entry_hash, for the break-glass token's receipt_lookup check.
	// found is false if no row carries that entry_hash.
	GetReceipt(table string, entryHash [32]byte) (payloadJSON []byte, found bool, err error)

	// ListReceipts returns every payload ever appended to table, in
	// chain order, for audit tooling that needs to walk the full
	// receipt history rather than look up a single entry_hash.
	ListReceipts(table string) ([][]byte, error)

	// VerifyChain walks every chained table and checks that each row's
	// entry_hash recomputes correctly, chains to its predecessor, and
	// carries a valid signature under mode.
	VerifyChain(pub ed25519.PublicKey, pqPub []byte, mode sealedsig.VerifyMode) error

	Close() error
}
