package sealedlog

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/sealedsig"
)

type chainedRow struct {
	createdAt   int64
	payloadJSON []byte
	prevHash    [32]byte
	entryHash   [32]byte
	sig         signedEntry
}

type checkpointRow struct {
	createdAt      int64
	cutoffEventID  int
	chainHeadHash  [32]byte
	sig            signedEntry
	tpmAttestation []byte
}

// MemoryStore is an in-memory Store, used for tests and for kernels
// that opt out of durable storage. It mirrors SQLiteStore's chain
// logic exactly so the two are interchangeable.
type MemoryStore struct {
	mu          sync.Mutex
	events      []chainedRow
	checkpoints []checkpointRow
	receipts    map[string][]chainedRow
	alarms      []chainedRow
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: map[string][]chainedRow{
		TableBreakGlassReceipts: nil,
		TableExportReceipts:     nil,
	}}
}

func (m *MemoryStore) lastChainHead() [32]byte {
	if n := len(m.checkpoints); n > 0 {
		return m.checkpoints[n-1].chainHeadHash
	}
	if n := len(m.events); n > 0 {
		return m.events[n-1].entryHash
	}
	return zeroHash
}

func (m *MemoryStore) lastEventHashOrCheckpointHead() [32]byte {
	if n := len(m.events); n > 0 {
		return m.events[n-1].entryHash
	}
	return m.lastChainHead()
}

// AppendEventRecord implements Store.
func (m *MemoryStore) AppendEventRecord(rec Record, signer *EntrySigner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sealedlog: marshal record: %w", err)
	}
	prev := m.lastEventHashOrCheckpointHead()
	entryHash := hashEntry(prev, payload)
	sig, err := signer.sign(sealedsig.DomainSealedLogEntry, entryHash)
	if err != nil {
		return err
	}
	m.events = append(m.events, chainedRow{
		createdAt:   int64(rec.TimeBucket().StartEpochS),
		payloadJSON: payload,
		prevHash:    prev,
		entryHash:   entryHash,
		sig:         sig,
	})
	return nil
}

// EnforceRetentionWithCheckpoint implements Store.
func (m *MemoryStore) EnforceRetentionWithCheckpoint(now time.Time, retention time.Duration, signer *EntrySigner, attest AttestFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Unix() - int64(retention.Seconds())
	cutoffIndex := -1
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].createdAt < cutoff {
			cutoffIndex = i
			break
		}
	}
	if cutoffIndex < 0 {
		return nil
	}

	head := m.events[cutoffIndex].entryHash
	sig, err := signer.sign(sealedsig.DomainSealedLogCheckpoint, head)
	if err != nil {
		return err
	}
	var attestation []byte
	if attest != nil {
		attestation, err = attest(head)
		if err != nil {
			return fmt.Errorf("sealedlog: tpm attestation: %w", err)
		}
	}
	m.checkpoints = append(m.checkpoints, checkpointRow{
		createdAt:      now.Unix(),
		cutoffEventID:  cutoffIndex,
		chainHeadHash:  head,
		sig:            sig,
		tpmAttestation: attestation,
	})
	m.events = append([]chainedRow{}, m.events[cutoffIndex+1:]...)
	return nil
}

// ReadEventsRulesetBound implements Store.
func (m *MemoryStore) ReadEventsRulesetBound(expectedRulesetHash [32]byte, limit int, logAlarm LogAlarmFunc) ([]Record, error) {
	m.mu.Lock()
	n := len(m.events)
	if limit < n {
		n = limit
	}
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		payloads[i] = m.events[i].payloadJSON
	}
	m.mu.Unlock()

	out := make([]Record, 0, len(payloads))
	for _, payload := range payloads {
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("sealedlog: unmarshal stored record: %w", err)
		}
		if err := contract.ReprocessGuardAssertSameRuleset(expectedRulesetHash, rec.RulesetHash()); err != nil {
			if logAlarm != nil {
				_ = logAlarm("CONFORMANCE_REPROCESS_VIOLATION", err.Error())
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// AppendReceipt implements Store.
func (m *MemoryStore) AppendReceipt(table, domain string, payloadJSON []byte, signer *EntrySigner) ([32]byte, error) {
	if table != TableBreakGlassReceipts && table != TableExportReceipts {
		return [32]byte{}, fmt.Errorf("sealedlog: unknown receipt table %q", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.receipts[table]
	var prev [32]byte
	if n := len(rows); n > 0 {
		prev = rows[n-1].entryHash
	}
	entryHash := hashEntry(prev, payloadJSON)
	sig, err := signer.sign(domain, entryHash)
	if err != nil {
		return [32]byte{}, err
	}
	m.receipts[table] = append(rows, chainedRow{
		createdAt:   time.Now().Unix(),
		payloadJSON: append([]byte(nil), payloadJSON...),
		prevHash:    prev,
		entryHash:   entryHash,
		sig:         sig,
	})
	return entryHash, nil
}

// GetReceipt implements Store.
func (m *MemoryStore) GetReceipt(table string, entryHash [32]byte) ([]byte, bool, error) {
	if table != TableBreakGlassReceipts && table != TableExportReceipts {
		return nil, false, fmt.Errorf("sealedlog: unknown receipt table %q", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.receipts[table] {
		if row.entryHash == entryHash {
			return append([]byte(nil), row.payloadJSON...), true, nil
		}
	}
	return nil, false, nil
}

// ListReceipts implements Store.
func (m *MemoryStore) ListReceipts(table string) ([][]byte, error) {
	if table != TableBreakGlassReceipts && table != TableExportReceipts {
		return nil, fmt.Errorf("sealedlog: unknown receipt table %q", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.receipts[table]))
	for _, row := range m.receipts[table] {
		out = append(out, append([]byte(nil), row.payloadJSON...))
	}
	return out, nil
}

// AppendAlarm implements Store.
func (m *MemoryStore) AppendAlarm(code, message string, signer *EntrySigner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev [32]byte
	if n := len(m.alarms); n > 0 {
		prev = m.alarms[n-1].entryHash
	}
	payload := []byte(code + "\x00" + message)
	entryHash := hashEntry(prev, payload)
	sig, err := signer.sign(sealedsig.DomainConformanceAlarm, entryHash)
	if err != nil {
		return err
	}
	m.alarms = append(m.alarms, chainedRow{
		createdAt:   time.Now().Unix(),
		payloadJSON: payload,
		prevHash:    prev,
		entryHash:   entryHash,
		sig:         sig,
	})
	return nil
}

// VerifyChain implements Store.
func (m *MemoryStore) VerifyChain(pub ed25519.PublicKey, pqPub []byte, mode sealedsig.VerifyMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	verifyRows := func(domain string, rows []chainedRow, genesis [32]byte) error {
		prev := genesis
		for i, row := range rows {
			if row.prevHash != prev {
				return fmt.Errorf("sealedlog: chain break at row %d: prev_hash mismatch", i)
			}
			want := hashEntry(row.prevHash, row.payloadJSON)
			if want != row.entryHash {
				return fmt.Errorf("sealedlog: chain break at row %d: entry_hash mismatch", i)
			}
			entry := sealedsig.Entry{Domain: domain, Hash: row.entryHash, Ed25519Sig: row.sig.Ed25519Sig, PQScheme: row.sig.PQScheme, PQSig: row.sig.PQSig}
			if err := sealedsig.Verify(entry, pub, pqPub, mode); err != nil {
				return fmt.Errorf("sealedlog: row %d: %w", i, err)
			}
			prev = row.entryHash
		}
		return nil
	}

	for i, cp := range m.checkpoints {
		entry := sealedsig.Entry{Domain: sealedsig.DomainSealedLogCheckpoint, Hash: cp.chainHeadHash, Ed25519Sig: cp.sig.Ed25519Sig, PQScheme: cp.sig.PQScheme, PQSig: cp.sig.PQSig}
		if err := sealedsig.Verify(entry, pub, pqPub, mode); err != nil {
			return fmt.Errorf("sealedlog: checkpoint %d: %w", i, err)
		}
	}

	// sealed_events genesis is the zero hash only if no checkpoint has
	// ever trimmed the table; otherwise the oldest surviving event must
	// chain from the latest checkpoint's chain head.
	eventsGenesis := zeroHash
	if n := len(m.checkpoints); n > 0 {
		eventsGenesis = m.checkpoints[n-1].chainHeadHash
	}
	if err := verifyRows(sealedsig.DomainSealedLogEntry, m.events, eventsGenesis); err != nil {
		return err
	}
	if err := verifyRows(sealedsig.DomainBreakGlassReceipt, m.receipts[TableBreakGlassReceipts], zeroHash); err != nil {
		return err
	}
	if err := verifyRows(sealedsig.DomainExportReceipt, m.receipts[TableExportReceipts], zeroHash); err != nil {
		return err
	}
	if err := verifyRows(sealedsig.DomainConformanceAlarm, m.alarms, zeroHash); err != nil {
		return err
	}
	return nil
}

// Close implements Store. MemoryStore holds no external resources.
func (m *MemoryStore) Close() error { return nil }
