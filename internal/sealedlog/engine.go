package sealedlog

import (
	"fmt"
	"time"

	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/sealedsig"
	"github.com/kmay89/pwk/internal/tpm"
)

// Engine is the sealed-log appender every other subsystem writes
// through. It implements contract.Sink directly, so a ContractEnforcer
// pipeline can treat it as an opaque append target, and exposes
// AppendBreakGlassReceipt/AppendExportReceipt for the break-glass and
// export subsystems to record their own receipts in the same
// hash-chained, domain-signed fashion.
type Engine struct {
	store         Store
	signer        *EntrySigner
	kernelVersion string
	rulesetID     string
	rulesetHash   [32]byte
	tpmBinder     *tpm.Binder
}

// NewEngine builds an Engine over store, signing every row with
// signer and binding every appended Event/FailureEvent to
// (kernelVersion, rulesetID, rulesetHash).
func NewEngine(store Store, signer *EntrySigner, kernelVersion, rulesetID string, rulesetHash [32]byte) *Engine {
	return &Engine{
		store:         store,
		signer:        signer,
		kernelVersion: kernelVersion,
		rulesetID:     rulesetID,
		rulesetHash:   rulesetHash,
	}
}

// AppendEvent implements contract.Sink.
func (e *Engine) AppendEvent(ev contract.Event) error {
	return e.store.AppendEventRecord(Record{Event: &ev}, e.signer)
}

// AppendFailure implements contract.Sink.
func (e *Engine) AppendFailure(f contract.FailureEvent) error {
	return e.store.AppendEventRecord(Record{Failure: &f}, e.signer)
}

// LogAlarm implements contract.Sink.
func (e *Engine) LogAlarm(code, message string) error {
	return e.store.AppendAlarm(code, message, e.signer)
}

// SetTPMBinder attaches a TPM binder every subsequent checkpoint is
// bound to. Pass nil to go back to unbound checkpoints. A binder whose
// underlying provider reports Available() == false is equivalent to
// nil - checkpoints still seal, just without a hardware binding.
func (e *Engine) SetTPMBinder(binder *tpm.Binder) {
	e.tpmBinder = binder
}

// EnforceRetentionWithCheckpoint seals a checkpoint over every event
// older than now.Add(-retention) and trims them from the live table.
// If a TPM binder is attached and available, the checkpoint's
// chain-head hash is also bound to a TPM quote.
func (e *Engine) EnforceRetentionWithCheckpoint(now time.Time, retention time.Duration) error {
	return e.store.EnforceRetentionWithCheckpoint(now, retention, e.signer, e.attestCheckpoint)
}

// attestCheckpoint is the Store.AttestFunc passed down to
// EnforceRetentionWithCheckpoint. It returns a nil binding, not an
// error, whenever no TPM binder is attached or the attached one has no
// hardware to bind to - TPM attestation is always best-effort.
func (e *Engine) attestCheckpoint(head [32]byte) ([]byte, error) {
	if e.tpmBinder == nil || !e.tpmBinder.Available() {
		return nil, nil
	}
	binding, err := e.tpmBinder.Bind(head)
	if err != nil {
		return nil, fmt.Errorf("tpm bind: %w", err)
	}
	return binding.Encode()
}

// ReadEventsRulesetBound reads up to limit sealed records, asserting
// every one is bound to this engine's ruleset hash.
func (e *Engine) ReadEventsRulesetBound(limit int) ([]Record, error) {
	return e.store.ReadEventsRulesetBound(e.rulesetHash, limit, e.LogAlarm)
}

// AppendBreakGlassReceipt appends an already-serialized break-glass
// receipt to its own hash-chained table, returning the new entry hash
// so the caller can embed it in whatever it hands back to the
// requesting trustee.
func (e *Engine) AppendBreakGlassReceipt(payloadJSON []byte) ([32]byte, error) {
	return e.store.AppendReceipt(TableBreakGlassReceipts, sealedsig.DomainBreakGlassReceipt, payloadJSON, e.signer)
}

// AppendExportReceipt appends an already-serialized export receipt to
// its own hash-chained table.
func (e *Engine) AppendExportReceipt(payloadJSON []byte) ([32]byte, error) {
	return e.store.AppendReceipt(TableExportReceipts, sealedsig.DomainExportReceipt, payloadJSON, e.signer)
}

// ListBreakGlassReceipts returns every break-glass receipt payload
// ever appended, in chain order, satisfying the break-glass package's
// ReceiptLister interface for its approvals-verification tooling.
func (e *Engine) ListBreakGlassReceipts() ([][]byte, error) {
	return e.store.ListReceipts(TableBreakGlassReceipts)
}

// GetBreakGlassReceiptPayload looks up a previously appended
// break-glass receipt by its entry_hash, satisfying the
// break-glass package's ReceiptStore interface.
func (e *Engine) GetBreakGlassReceiptPayload(entryHash [32]byte) ([]byte, bool, error) {
	return e.store.GetReceipt(TableBreakGlassReceipts, entryHash)
}

// GetExportReceiptPayload looks up a previously appended export
// receipt by its entry_hash.
func (e *Engine) GetExportReceiptPayload(entryHash [32]byte) ([]byte, bool, error) {
	return e.store.GetReceipt(TableExportReceipts, entryHash)
}

// VerifyChain walks every chained table and checks hash-chain
// continuity and signature validity under mode.
func (e *Engine) VerifyChain(mode sealedsig.VerifyMode) error {
	pqPub := e.signer.PQPublicKey()
	if err := e.store.VerifyChain(e.signer.PublicKey(), pqPub, mode); err != nil {
		return fmt.Errorf("sealedlog: verify chain: %w", err)
	}
	return nil
}

// Close releases the underlying store's resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

var _ contract.Sink = (*Engine)(nil)
