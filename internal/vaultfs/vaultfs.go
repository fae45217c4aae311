// Package vaultfs is a default, filesystem-backed implementation of
// rawmedia.VaultSink. It exists so the CLI surface and tests have a
// runnable end-to-end path from break-glass export to sealed storage;
// a production deployment is expected to swap in a sink backed by
// whatever evidence-retention system an operator already runs.
//
// Each envelope is sealed with ChaCha20-Poly1305 under a per-vault
// master key generated on first use and stored 0600 alongside the
// envelopes. The AAD binds the ciphertext to its envelope id and
// ruleset hash, so a sealed envelope cannot be replayed under a
// different envelope or a mutated ruleset.
package vaultfs

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kmay89/pwk/internal/rawmedia"
)

var _ rawmedia.VaultSink = (*Store)(nil)

const masterKeyFilename = "master.key"

// ErrEnvelopeExists is returned by Seal when the envelope id already
// has a sealed file on disk; envelopes are write-once.
var ErrEnvelopeExists = errors.New("vaultfs: envelope already sealed")

// ErrInvalidEnvelopeID is returned when an envelope id fails the
// lowercase [a-z0-9_-] sanitization the original vault enforces.
var ErrInvalidEnvelopeID = errors.New("vaultfs: invalid envelope id")

// envelope is the on-disk encoding of a sealed vault entry.
type envelope struct {
	Version    int    `json:"version"`
	EnvelopeID string `json:"envelope_id"`
	AAD        []byte `json:"aad"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

const envelopeVersion = 1

// Store is a filesystem-backed rawmedia.VaultSink. The zero value is
// not usable; construct with Open.
type Store struct {
	root string

	mu        sync.Mutex
	masterKey [32]byte
}

// Open creates root (and any missing parents) with 0700 permissions,
// loads the vault's master key if one already exists there, or
// generates and persists a new one. A *Store is safe for concurrent
// use.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("vaultfs: create vault root: %w", err)
	}
	key, err := loadOrCreateMasterKey(root)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, masterKey: key}, nil
}

// Root returns the vault's filesystem root.
func (s *Store) Root() string {
	return s.root
}

// Seal implements rawmedia.VaultSink. It fails if envelopeID already
// has a sealed envelope on disk.
func (s *Store) Seal(envelopeID string, raw []byte, aad []byte) error {
	sanitized, err := sanitizeEnvelopeID(envelopeID)
	if err != nil {
		return err
	}

	path := s.envelopePath(sanitized)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrEnvelopeExists, sanitized)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("vaultfs: stat envelope: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("vaultfs: generate nonce: %w", err)
	}

	s.mu.Lock()
	aead, err := chacha20poly1305.New(s.masterKey[:])
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("vaultfs: init aead: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, raw, aad)
	env := envelope{
		Version:    envelopeVersion,
		EnvelopeID: sanitized,
		AAD:        aad,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("vaultfs: encode envelope: %w", err)
	}
	return writeAtomic(path, encoded)
}

// Unseal recovers the plaintext for envelopeID, verifying that aad
// matches what the envelope was sealed under. It is not part of
// rawmedia.VaultSink (the kernel never reads vault contents back) but
// is provided for the verify/demo CLI surface and round-trip tests.
func (s *Store) Unseal(envelopeID string, aad []byte) ([]byte, error) {
	sanitized, err := sanitizeEnvelopeID(envelopeID)
	if err != nil {
		return nil, err
	}

	encoded, err := os.ReadFile(s.envelopePath(sanitized))
	if err != nil {
		return nil, fmt.Errorf("vaultfs: read envelope: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(encoded, &env); err != nil {
		return nil, fmt.Errorf("vaultfs: decode envelope: %w", err)
	}
	if env.EnvelopeID != sanitized {
		return nil, fmt.Errorf("vaultfs: envelope id mismatch")
	}
	if string(env.AAD) != string(aad) {
		return nil, fmt.Errorf("vaultfs: envelope aad mismatch")
	}

	s.mu.Lock()
	aead, err := chacha20poly1305.New(s.masterKey[:])
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("vaultfs: init aead: %w", err)
	}

	clear, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.AAD)
	if err != nil {
		return nil, fmt.Errorf("vaultfs: decrypt envelope: %w", err)
	}
	return clear, nil
}

func (s *Store) envelopePath(sanitizedID string) string {
	return filepath.Join(s.root, sanitizedID+".vault")
}

func sanitizeEnvelopeID(envelopeID string) (string, error) {
	trimmed := strings.TrimSpace(envelopeID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEnvelopeID)
	}
	for _, r := range trimmed {
		isLower := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		if !isLower && !isDigit && r != '-' && r != '_' {
			return "", fmt.Errorf("%w: must be lowercase [a-z0-9_-] only: %q", ErrInvalidEnvelopeID, envelopeID)
		}
	}
	return trimmed, nil
}

func loadOrCreateMasterKey(root string) ([32]byte, error) {
	var key [32]byte
	path := filepath.Join(root, masterKeyFilename)

	bytes, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(bytes) != 32 {
			return key, fmt.Errorf("vaultfs: master key length mismatch")
		}
		copy(key[:], bytes)
		if err := os.Chmod(path, 0600); err != nil {
			return key, fmt.Errorf("vaultfs: enforce master key permissions: %w", err)
		}
		return key, nil
	case os.IsNotExist(err):
		if _, err := rand.Read(key[:]); err != nil {
			return key, fmt.Errorf("vaultfs: generate master key: %w", err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return key, fmt.Errorf("vaultfs: create master key file: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(key[:]); err != nil {
			return key, fmt.Errorf("vaultfs: write master key: %w", err)
		}
		if err := f.Sync(); err != nil {
			return key, fmt.Errorf("vaultfs: sync master key: %w", err)
		}
		return key, nil
	default:
		return key, fmt.Errorf("vaultfs: read master key: %w", err)
	}
}

// writeAtomic writes data to a sibling temp file, fsyncs it, then
// renames it over path, so a sealed envelope is never observed
// partially written.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("vaultfs: create temp envelope: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("vaultfs: write temp envelope: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("vaultfs: sync temp envelope: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("vaultfs: close temp envelope: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vaultfs: rename envelope into place: %w", err)
	}
	return nil
}
