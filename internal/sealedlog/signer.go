package sealedlog

import (
	"crypto/ed25519"
	"fmt"

	"github.com/kmay89/pwk/internal/sealedsig"
)

// EntrySigner signs sealed-log entries, checkpoints, and receipts
// under the kernel's device ed25519 key, plus an optional dual
// post-quantum signature. A single EntrySigner is shared across a
// SealedLogEngine and every table it writes; the domain tag supplied
// to sign is what keeps the resulting signatures from being replayed
// across tables.
type EntrySigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	pqScheme sealedsig.Scheme
	pqPriv   []byte
	pqPub    []byte
}

// NewEntrySigner builds a signer around the kernel's device ed25519
// key, typically loaded via signer.LoadDeviceKey.
func NewEntrySigner(priv ed25519.PrivateKey) *EntrySigner {
	pub, _ := priv.Public().(ed25519.PublicKey)
	return &EntrySigner{priv: priv, pub: pub}
}

// WithPQ attaches a registered PQ scheme and its key pair, enabling
// dual-signature mode. Returns the receiver for chaining.
func (s *EntrySigner) WithPQ(scheme sealedsig.Scheme, priv, pub []byte) *EntrySigner {
	s.pqScheme = scheme
	s.pqPriv = priv
	s.pqPub = pub
	return s
}

// PublicKey returns the device ed25519 public key.
func (s *EntrySigner) PublicKey() ed25519.PublicKey { return s.pub }

// PQPublicKey returns the PQ public key, or nil if dual-signature mode
// is not enabled.
func (s *EntrySigner) PQPublicKey() []byte { return s.pqPub }

// PQSchemeID returns the registered PQ scheme id, or "" if dual
// signature mode is not enabled.
func (s *EntrySigner) PQSchemeID() string {
	if s.pqScheme == nil {
		return ""
	}
	return s.pqScheme.ID()
}

// signedEntry bundles the signature bytes a store writes alongside a
// chained row.
type signedEntry struct {
	Ed25519Sig []byte
	PQScheme   string
	PQSig      []byte
}

// sign produces a domain-separated signature set over hash.
func (s *EntrySigner) sign(domain string, hash [32]byte) (signedEntry, error) {
	out := signedEntry{Ed25519Sig: sealedsig.SignDomain(s.priv, domain, hash)}
	if s.pqScheme == nil {
		return out, nil
	}
	dh := sealedsig.DomainHash(domain, hash)
	pqSig, err := s.pqScheme.Sign(s.pqPriv, dh[:])
	if err != nil {
		return signedEntry{}, fmt.Errorf("sealedlog: pq sign under domain %q: %w", domain, err)
	}
	out.PQScheme = s.pqScheme.ID()
	out.PQSig = pqSig
	return out, nil
}
