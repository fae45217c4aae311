// Package sealedsig implements the kernel's domain-separated signature
// scheme: every signed artifact (sealed-log entry, checkpoint,
// break-glass receipt, break-glass token, export receipt) is signed
// not over its raw hash but over a domain-prefixed digest, so a
// signature produced for one artifact kind can never be replayed as a
// signature for another. Key loading follows the teacher's
// signer.go conventions (raw seed, raw key, or OpenSSH-format file).
package sealedsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Domain tags, one per sealed-log table plus the break-glass token.
const (
	DomainSealedLogEntry      = "pwk:sealed-log-entry:v2"
	DomainSealedLogCheckpoint = "pwk:sealed-log-checkpoint:v2"
	DomainBreakGlassReceipt   = "pwk:break-glass-receipt:v2"
	DomainBreakGlassToken     = "pwk:break-glass-token:v2"
	DomainExportReceipt       = "pwk:export-receipt:v2"
	DomainConformanceAlarm    = "pwk:conformance-alarm:v2"
)

// DevKeySentinel is the forbidden placeholder seed value; a kernel
// refuses to open with this seed configured.
const DevKeySentinel = "devkey:mvp"

// ErrSentinelSeed is returned when the configured device key seed is
// the disallowed development sentinel.
var ErrSentinelSeed = errors.New("sealedsig: DEVICE_KEY_SEED must not be the devkey:mvp sentinel")

// DomainHash computes H_domain(d, h) = SHA256(len32(d) || d || h),
// where len32 is the 4-byte little-endian encoding of len(d). The
// little-endian length prefix is load-bearing for interop with the
// original Rust kernel's wire format and must not be changed to
// big-endian.
func DomainHash(domain string, h [32]byte) [32]byte {
	buf := make([]byte, 4+len(domain)+len(h))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(domain)))
	copy(buf[4:4+len(domain)], domain)
	copy(buf[4+len(domain):], h[:])
	return sha256.Sum256(buf)
}

// SigningKeyFromSeed derives an ed25519 key pair from an arbitrary
// length seed: the seed is hashed with SHA256 to produce the 32-byte
// ed25519 seed, so operators may supply a passphrase or a random file
// of any length. Rejects an empty seed and the devkey:mvp sentinel.
func SigningKeyFromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) == 0 {
		return nil, errors.New("sealedsig: empty device key seed")
	}
	if string(seed) == DevKeySentinel {
		return nil, ErrSentinelSeed
	}
	sum := sha256.Sum256(seed)
	return ed25519.NewKeyFromSeed(sum[:]), nil
}

// SignDomain signs h under the given domain tag with key.
func SignDomain(key ed25519.PrivateKey, domain string, h [32]byte) []byte {
	dh := DomainHash(domain, h)
	return ed25519.Sign(key, dh[:])
}

// VerifyDomain verifies sig over h under domain with the given public
// key.
func VerifyDomain(pub ed25519.PublicKey, domain string, h [32]byte, sig []byte) bool {
	dh := DomainHash(domain, h)
	return ed25519.Verify(pub, dh[:], sig)
}

// VerifyMode selects how strict signature verification is, ported
// from the original kernel's SignatureMode::{Compat,Strict}.
type VerifyMode int

const (
	// ModeStrict requires domain-prefixed ed25519 verification to
	// succeed, and if a PQ signature/scheme is present, requires PQ
	// verification to succeed as well.
	ModeStrict VerifyMode = iota
	// ModeCompat tries domain-prefixed verification first, falls back
	// to legacy unprefixed-entry_hash verification, and accepts if
	// either ed25519 or PQ succeeds. Provided for reading logs written
	// before the domain-separation scheme existed.
	ModeCompat
)

// Entry bundles the pieces needed to verify one signed artifact.
type Entry struct {
	Domain     string
	Hash       [32]byte // entry_hash / chain_head_hash / receipt_entry_hash
	Ed25519Sig []byte
	PQScheme   string // empty if no PQ signature present
	PQSig      []byte
}

// Verify checks e against the device public key (and PQ public key,
// if e carries a PQ signature) according to mode.
func Verify(e Entry, pub ed25519.PublicKey, pqPub []byte, mode VerifyMode) error {
	domainOK := VerifyDomain(pub, e.Domain, e.Hash, e.Ed25519Sig)
	legacyOK := mode == ModeCompat && ed25519.Verify(pub, e.Hash[:], e.Ed25519Sig)
	ed25519OK := domainOK || legacyOK

	var pqOK bool
	if e.PQScheme != "" {
		scheme, ok := Lookup(e.PQScheme)
		if !ok {
			return fmt.Errorf("sealedsig: unrecognized pq scheme id %q", e.PQScheme)
		}
		dh := DomainHash(e.Domain, e.Hash)
		ok, err := scheme.Verify(pqPub, dh[:], e.PQSig)
		if err != nil {
			return fmt.Errorf("sealedsig: pq verification error: %w", err)
		}
		pqOK = ok
	}

	switch mode {
	case ModeStrict:
		if !ed25519OK {
			return errors.New("sealedsig: ed25519 verification failed")
		}
		if e.PQScheme != "" && !pqOK {
			return errors.New("sealedsig: pq verification failed")
		}
		return nil
	default: // ModeCompat
		if ed25519OK || pqOK {
			return nil
		}
		return errors.New("sealedsig: verification failed under compat mode (neither ed25519 nor pq succeeded)")
	}
}
