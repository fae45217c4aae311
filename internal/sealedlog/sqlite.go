package sealedlog

import (
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/sealedsig"
)

const schema = `
CREATE TABLE IF NOT EXISTS sealed_events (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at    INTEGER NOT NULL,
  payload_json  TEXT NOT NULL,
  prev_hash     BLOB NOT NULL,
  entry_hash    BLOB NOT NULL,
  signature     BLOB NOT NULL,
  pq_signature  BLOB,
  pq_scheme     TEXT
);

CREATE TABLE IF NOT EXISTS checkpoints (
  id                INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at        INTEGER NOT NULL,
  cutoff_event_id   INTEGER NOT NULL,
  chain_head_hash   BLOB NOT NULL,
  signature         BLOB NOT NULL,
  pq_signature      BLOB,
  pq_scheme         TEXT,
  tpm_attestation   BLOB
);

CREATE TABLE IF NOT EXISTS break_glass_receipts (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at    INTEGER NOT NULL,
  payload_json  TEXT NOT NULL,
  prev_hash     BLOB NOT NULL,
  entry_hash    BLOB NOT NULL,
  signature     BLOB NOT NULL,
  pq_signature  BLOB,
  pq_scheme     TEXT
);

CREATE TABLE IF NOT EXISTS export_receipts (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at    INTEGER NOT NULL,
  payload_json  TEXT NOT NULL,
  prev_hash     BLOB NOT NULL,
  entry_hash    BLOB NOT NULL,
  signature     BLOB NOT NULL,
  pq_signature  BLOB,
  pq_scheme     TEXT
);

CREATE TABLE IF NOT EXISTS conformance_alarms (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at    INTEGER NOT NULL,
  code          TEXT NOT NULL,
  message       TEXT NOT NULL,
  prev_hash     BLOB NOT NULL,
  entry_hash    BLOB NOT NULL,
  signature     BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sealed_events_created ON sealed_events(created_at);
CREATE INDEX IF NOT EXISTS idx_checkpoints_cutoff ON checkpoints(cutoff_event_id);
`

// SQLiteStore is the durable, production Store backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the sealed-log database at path and
// applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sealedlog: create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sealedlog: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sealedlog: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func lastChainHeadTx(tx *sql.Tx) ([32]byte, error) {
	var bytesHead []byte
	err := tx.QueryRow(`SELECT chain_head_hash FROM checkpoints ORDER BY id DESC LIMIT 1`).Scan(&bytesHead)
	if err == nil {
		var out [32]byte
		if len(bytesHead) != 32 {
			return out, errors.New("sealedlog: corrupt checkpoint: chain_head_hash size")
		}
		copy(out[:], bytesHead)
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return [32]byte{}, fmt.Errorf("sealedlog: query last checkpoint: %w", err)
	}

	err = tx.QueryRow(`SELECT entry_hash FROM sealed_events ORDER BY id DESC LIMIT 1`).Scan(&bytesHead)
	if err == nil {
		var out [32]byte
		if len(bytesHead) != 32 {
			return out, errors.New("sealedlog: corrupt sealed log: entry_hash size")
		}
		copy(out[:], bytesHead)
		return out, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return zeroHash, nil
	}
	return [32]byte{}, fmt.Errorf("sealedlog: query last event: %w", err)
}

func lastEventHashOrCheckpointHeadTx(tx *sql.Tx) ([32]byte, error) {
	var bytesHead []byte
	err := tx.QueryRow(`SELECT entry_hash FROM sealed_events ORDER BY id DESC LIMIT 1`).Scan(&bytesHead)
	if err == nil {
		var out [32]byte
		if len(bytesHead) != 32 {
			return out, errors.New("sealedlog: corrupt sealed log: entry_hash size")
		}
		copy(out[:], bytesHead)
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return [32]byte{}, fmt.Errorf("sealedlog: query last event: %w", err)
	}
	return lastChainHeadTx(tx)
}

// AppendEventRecord implements Store.
func (s *SQLiteStore) AppendEventRecord(rec Record, signer *EntrySigner) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sealedlog: marshal record: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sealedlog: begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := lastEventHashOrCheckpointHeadTx(tx)
	if err != nil {
		return err
	}
	entryHash := hashEntry(prev, payload)
	sig, err := signer.sign(sealedsig.DomainSealedLogEntry, entryHash)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO sealed_events(created_at, payload_json, prev_hash, entry_hash, signature, pq_signature, pq_scheme)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.TimeBucket().StartEpochS), string(payload), prev[:], entryHash[:], sig.Ed25519Sig, nullBytes(sig.PQSig), nullString(sig.PQScheme),
	)
	if err != nil {
		return fmt.Errorf("sealedlog: insert sealed event: %w", err)
	}
	return tx.Commit()
}

// EnforceRetentionWithCheckpoint implements Store.
func (s *SQLiteStore) EnforceRetentionWithCheckpoint(now time.Time, retention time.Duration, signer *EntrySigner, attest AttestFunc) error {
	cutoff := now.Unix() - int64(retention.Seconds())

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sealedlog: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cutoffID int64
	var headBytes []byte
	err = tx.QueryRow(
		`SELECT id, entry_hash FROM sealed_events WHERE created_at < ? ORDER BY id DESC LIMIT 1`, cutoff,
	).Scan(&cutoffID, &headBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sealedlog: query retention cutoff: %w", err)
	}
	if len(headBytes) != 32 {
		return errors.New("sealedlog: corrupt sealed log: entry_hash size")
	}
	var head [32]byte
	copy(head[:], headBytes)

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

	if _, err := tx.Exec(
		`INSERT INTO checkpoints(created_at, cutoff_event_id, chain_head_hash, signature, pq_signature, pq_scheme, tpm_attestation)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now.Unix(), cutoffID, head[:], sig.Ed25519Sig, nullBytes(sig.PQSig), nullString(sig.PQScheme), nullBytes(attestation),
	); err != nil {
		return fmt.Errorf("sealedlog: insert checkpoint: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sealed_events WHERE id <= ?`, cutoffID); err != nil {
		return fmt.Errorf("sealedlog: trim sealed events: %w", err)
	}
	return tx.Commit()
}

// ReadEventsRulesetBound implements Store.
func (s *SQLiteStore) ReadEventsRulesetBound(expectedRulesetHash [32]byte, limit int, logAlarm LogAlarmFunc) ([]Record, error) {
	rows, err := s.db.Query(`SELECT payload_json FROM sealed_events ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sealedlog: query sealed events: %w", err)
	}
	var payloads []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sealedlog: scan sealed event: %w", err)
		}
		payloads = append(payloads, payload)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]Record, 0, len(payloads))
	for _, payload := range payloads {
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
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
func (s *SQLiteStore) AppendReceipt(table, domain string, payloadJSON []byte, signer *EntrySigner) ([32]byte, error) {
	switch table {
	case TableBreakGlassReceipts, TableExportReceipts:
	default:
		return [32]byte{}, fmt.Errorf("sealedlog: unknown receipt table %q", table)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return [32]byte{}, fmt.Errorf("sealedlog: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevBytes []byte
	// table is constrained to the two literals checked above, so this
	// interpolation cannot carry attacker-controlled SQL.
	err = tx.QueryRow(fmt.Sprintf(`SELECT entry_hash FROM %s ORDER BY id DESC LIMIT 1`, table)).Scan(&prevBytes)
	var prev [32]byte
	switch {
	case err == nil:
		if len(prevBytes) != 32 {
			return [32]byte{}, errors.New("sealedlog: corrupt receipt chain: entry_hash size")
		}
		copy(prev[:], prevBytes)
	case errors.Is(err, sql.ErrNoRows):
		prev = zeroHash
	default:
		return [32]byte{}, fmt.Errorf("sealedlog: query last receipt: %w", err)
	}

	entryHash := hashEntry(prev, payloadJSON)
	sig, err := signer.sign(domain, entryHash)
	if err != nil {
		return [32]byte{}, err
	}

	_, err = tx.Exec(
		fmt.Sprintf(`INSERT INTO %s(created_at, payload_json, prev_hash, entry_hash, signature, pq_signature, pq_scheme)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, table),
		time.Now().Unix(), string(payloadJSON), prev[:], entryHash[:], sig.Ed25519Sig, nullBytes(sig.PQSig), nullString(sig.PQScheme),
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("sealedlog: insert receipt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return [32]byte{}, fmt.Errorf("sealedlog: commit receipt: %w", err)
	}
	return entryHash, nil
}

// GetReceipt implements Store.
func (s *SQLiteStore) GetReceipt(table string, entryHash [32]byte) ([]byte, bool, error) {
	switch table {
	case TableBreakGlassReceipts, TableExportReceipts:
	default:
		return nil, false, fmt.Errorf("sealedlog: unknown receipt table %q", table)
	}
	var payload string
	// table is constrained to the two literals checked above.
	err := s.db.QueryRow(fmt.Sprintf(`SELECT payload_json FROM %s WHERE entry_hash = ? ORDER BY id DESC LIMIT 1`, table), entryHash[:]).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sealedlog: query receipt: %w", err)
	}
	return []byte(payload), true, nil
}

// ListReceipts implements Store.
func (s *SQLiteStore) ListReceipts(table string) ([][]byte, error) {
	switch table {
	case TableBreakGlassReceipts, TableExportReceipts:
	default:
		return nil, fmt.Errorf("sealedlog: unknown receipt table %q", table)
	}
	// table is constrained to the two literals checked above.
	rows, err := s.db.Query(fmt.Sprintf(`SELECT payload_json FROM %s ORDER BY id ASC`, table))
	if err != nil {
		return nil, fmt.Errorf("sealedlog: query receipts: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sealedlog: scan receipt: %w", err)
		}
		out = append(out, []byte(payload))
	}
	return out, rows.Err()
}

// AppendAlarm implements Store.
func (s *SQLiteStore) AppendAlarm(code, message string, signer *EntrySigner) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sealedlog: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevBytes []byte
	err = tx.QueryRow(`SELECT entry_hash FROM conformance_alarms ORDER BY id DESC LIMIT 1`).Scan(&prevBytes)
	var prev [32]byte
	switch {
	case err == nil:
		if len(prevBytes) != 32 {
			return errors.New("sealedlog: corrupt alarm chain: entry_hash size")
		}
		copy(prev[:], prevBytes)
	case errors.Is(err, sql.ErrNoRows):
		prev = zeroHash
	default:
		return fmt.Errorf("sealedlog: query last alarm: %w", err)
	}

	payload := []byte(code + "\x00" + message)
	entryHash := hashEntry(prev, payload)
	sig, err := signer.sign(sealedsig.DomainConformanceAlarm, entryHash)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`INSERT INTO conformance_alarms(created_at, code, message, prev_hash, entry_hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), code, message, prev[:], entryHash[:], sig.Ed25519Sig,
	); err != nil {
		return fmt.Errorf("sealedlog: insert alarm: %w", err)
	}
	return tx.Commit()
}

type chainRowScan struct {
	prevHash    [32]byte
	entryHash   [32]byte
	payload     []byte
	ed25519Sig  []byte
	pqScheme    sql.NullString
	pqSig       []byte
}

func queryChainRows(db *sql.DB, query string) ([]chainRowScan, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chainRowScan
	for rows.Next() {
		var prevB, entryB, payload, ed25519Sig, pqSig []byte
		var pqScheme sql.NullString
		if err := rows.Scan(&payload, &prevB, &entryB, &ed25519Sig, &pqSig, &pqScheme); err != nil {
			return nil, err
		}
		var row chainRowScan
		copy(row.prevHash[:], prevB)
		copy(row.entryHash[:], entryB)
		row.payload = payload
		row.ed25519Sig = ed25519Sig
		row.pqSig = pqSig
		row.pqScheme = pqScheme
		out = append(out, row)
	}
	return out, rows.Err()
}

func verifyChainRows(domain string, rows []chainRowScan, genesis [32]byte, pub ed25519.PublicKey, pqPub []byte, mode sealedsig.VerifyMode) error {
	prev := genesis
	for i, row := range rows {
		if row.prevHash != prev {
			return fmt.Errorf("sealedlog: chain break at %s row %d: prev_hash mismatch", domain, i)
		}
		if want := hashEntry(row.prevHash, row.payload); want != row.entryHash {
			return fmt.Errorf("sealedlog: chain break at %s row %d: entry_hash mismatch", domain, i)
		}
		entry := sealedsig.Entry{Domain: domain, Hash: row.entryHash, Ed25519Sig: row.ed25519Sig, PQScheme: row.pqScheme.String, PQSig: row.pqSig}
		if err := sealedsig.Verify(entry, pub, pqPub, mode); err != nil {
			return fmt.Errorf("sealedlog: %s row %d: %w", domain, i, err)
		}
		prev = row.entryHash
	}
	return nil
}

// VerifyChain implements Store.
func (s *SQLiteStore) VerifyChain(pub ed25519.PublicKey, pqPub []byte, mode sealedsig.VerifyMode) error {
	cpRows, err := queryChainRows(s.db, `SELECT '' AS payload, chain_head_hash AS prev, chain_head_hash AS entry, signature, pq_signature, pq_scheme FROM checkpoints ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("sealedlog: query checkpoints: %w", err)
	}
	for i, row := range cpRows {
		entry := sealedsig.Entry{Domain: sealedsig.DomainSealedLogCheckpoint, Hash: row.entryHash, Ed25519Sig: row.ed25519Sig, PQScheme: row.pqScheme.String, PQSig: row.pqSig}
		if err := sealedsig.Verify(entry, pub, pqPub, mode); err != nil {
			return fmt.Errorf("sealedlog: checkpoint %d: %w", i, err)
		}
	}

	eventsGenesis := zeroHash
	if n := len(cpRows); n > 0 {
		eventsGenesis = cpRows[n-1].entryHash
	}

	eventRows, err := queryChainRows(s.db, `SELECT payload_json, prev_hash, entry_hash, signature, pq_signature, pq_scheme FROM sealed_events ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("sealedlog: query sealed events: %w", err)
	}
	if err := verifyChainRows(sealedsig.DomainSealedLogEntry, eventRows, eventsGenesis, pub, pqPub, mode); err != nil {
		return err
	}

	bgRows, err := queryChainRows(s.db, `SELECT payload_json, prev_hash, entry_hash, signature, pq_signature, pq_scheme FROM break_glass_receipts ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("sealedlog: query break-glass receipts: %w", err)
	}
	if err := verifyChainRows(sealedsig.DomainBreakGlassReceipt, bgRows, zeroHash, pub, pqPub, mode); err != nil {
		return err
	}

	exRows, err := queryChainRows(s.db, `SELECT payload_json, prev_hash, entry_hash, signature, pq_signature, pq_scheme FROM export_receipts ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("sealedlog: query export receipts: %w", err)
	}
	if err := verifyChainRows(sealedsig.DomainExportReceipt, exRows, zeroHash, pub, pqPub, mode); err != nil {
		return err
	}

	return s.verifyAlarmChain(pub, pqPub, mode)
}

func (s *SQLiteStore) verifyAlarmChain(pub ed25519.PublicKey, pqPub []byte, mode sealedsig.VerifyMode) error {
	rows, err := s.db.Query(`SELECT code, message, prev_hash, entry_hash, signature FROM conformance_alarms ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("sealedlog: query conformance alarms: %w", err)
	}
	defer rows.Close()

	prev := zeroHash
	i := 0
	for rows.Next() {
		var code, message string
		var prevB, entryB, sig []byte
		if err := rows.Scan(&code, &message, &prevB, &entryB, &sig); err != nil {
			return fmt.Errorf("sealedlog: scan conformance alarm: %w", err)
		}
		var prevHash, entryHash [32]byte
		copy(prevHash[:], prevB)
		copy(entryHash[:], entryB)
		if prevHash != prev {
			return fmt.Errorf("sealedlog: chain break at conformance_alarms row %d: prev_hash mismatch", i)
		}
		payload := []byte(code + "\x00" + message)
		if want := hashEntry(prevHash, payload); want != entryHash {
			return fmt.Errorf("sealedlog: chain break at conformance_alarms row %d: entry_hash mismatch", i)
		}
		entry := sealedsig.Entry{Domain: sealedsig.DomainConformanceAlarm, Hash: entryHash, Ed25519Sig: sig}
		if err := sealedsig.Verify(entry, pub, pqPub, mode); err != nil {
			return fmt.Errorf("sealedlog: conformance_alarms row %d: %w", i, err)
		}
		prev = entryHash
		i++
	}
	return rows.Err()
}
