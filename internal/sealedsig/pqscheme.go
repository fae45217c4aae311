package sealedsig

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// Scheme is a pluggable post-quantum (or any additional) signature
// algorithm that can be dual-signed alongside the mandatory ed25519
// signature. No PQ signature library is present anywhere in the
// example corpus this kernel was built from, so Scheme is an
// interface rather than a concrete wired library: operators register
// a concrete implementation (e.g. a CGO binding to liboqs) under a
// scheme id at startup, and the kernel treats an unrecognized
// configured scheme id as a hard configuration error rather than
// silently skipping PQ verification.
type Scheme interface {
	// ID is the scheme identifier stored alongside PQ signatures
	// (e.g. "dilithium3").
	ID() string
	Sign(priv []byte, msg []byte) ([]byte, error)
	Verify(pub []byte, msg []byte, sig []byte) (bool, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Scheme{}
)

// Register installs scheme under its own ID, overwriting any prior
// registration under the same ID.
func Register(scheme Scheme) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[scheme.ID()] = scheme
}

// Lookup returns the scheme registered under id, if any.
func Lookup(id string) (Scheme, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[id]
	return s, ok
}

// dualEd25519Scheme is a reference Scheme implementation that dual
// signs with a second, independent ed25519 keypair. It exists so the
// dual-signature code path can be exercised and tested without a real
// PQ library on hand; it carries no actual post-quantum security
// margin and is registered under an id that makes that explicit.
type dualEd25519Scheme struct{}

func (dualEd25519Scheme) ID() string { return "dual-ed25519-reference" }

func (dualEd25519Scheme) Sign(priv []byte, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sealedsig: dual-ed25519-reference: bad private key size %d", len(priv))
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

func (dualEd25519Scheme) Verify(pub []byte, msg []byte, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("sealedsig: dual-ed25519-reference: bad public key size %d", len(pub))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}

func init() {
	Register(dualEd25519Scheme{})
}
