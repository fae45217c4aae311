package sealedsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigningKeyFromSeedRejectsSentinel(t *testing.T) {
	_, err := SigningKeyFromSeed([]byte(DevKeySentinel))
	require.ErrorIs(t, err, ErrSentinelSeed)

	_, err = SigningKeyFromSeed(nil)
	require.Error(t, err)

	key, err := SigningKeyFromSeed([]byte("a real operator secret"))
	require.NoError(t, err)
	assert.Len(t, key, ed25519.PrivateKeySize)
}

func TestDomainHashIsDomainSeparated(t *testing.T) {
	h := sha256.Sum256([]byte("payload"))
	a := DomainHash(DomainSealedLogEntry, h)
	b := DomainHash(DomainBreakGlassReceipt, h)
	assert.NotEqual(t, a, b)
}

func TestSignAndVerifyDomainRoundTrip(t *testing.T) {
	key, err := SigningKeyFromSeed([]byte("device seed"))
	require.NoError(t, err)
	pub := key.Public().(ed25519.PublicKey)

	h := sha256.Sum256([]byte("entry bytes"))
	sig := SignDomain(key, DomainSealedLogEntry, h)
	assert.True(t, VerifyDomain(pub, DomainSealedLogEntry, h, sig))
	assert.False(t, VerifyDomain(pub, DomainSealedLogCheckpoint, h, sig))
}

func TestVerifyStrictRejectsLegacyUnprefixedSignature(t *testing.T) {
	key, err := SigningKeyFromSeed([]byte("device seed"))
	require.NoError(t, err)
	pub := key.Public().(ed25519.PublicKey)

	h := sha256.Sum256([]byte("entry bytes"))
	legacySig := ed25519.Sign(key, h[:])

	e := Entry{Domain: DomainSealedLogEntry, Hash: h, Ed25519Sig: legacySig}
	assert.Error(t, Verify(e, pub, nil, ModeStrict))
	assert.NoError(t, Verify(e, pub, nil, ModeCompat))
}

func TestVerifyStrictRequiresPQWhenSchemePresent(t *testing.T) {
	key, err := SigningKeyFromSeed([]byte("device seed"))
	require.NoError(t, err)
	pub := key.Public().(ed25519.PublicKey)

	pqPriv, pqPub, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	h := sha256.Sum256([]byte("entry bytes"))
	sig := SignDomain(key, DomainSealedLogEntry, h)
	dh := DomainHash(DomainSealedLogEntry, h)
	pqSig := ed25519.Sign(pqPriv, dh[:])

	e := Entry{
		Domain:     DomainSealedLogEntry,
		Hash:       h,
		Ed25519Sig: sig,
		PQScheme:   "dual-ed25519-reference",
		PQSig:      pqSig,
	}
	require.NoError(t, Verify(e, pub, pqPub, ModeStrict))

	e.PQSig[0] ^= 0xFF
	assert.Error(t, Verify(e, pub, pqPub, ModeStrict))
}

func TestVerifyRejectsUnrecognizedPQScheme(t *testing.T) {
	key, err := SigningKeyFromSeed([]byte("device seed"))
	require.NoError(t, err)
	pub := key.Public().(ed25519.PublicKey)

	h := sha256.Sum256([]byte("entry bytes"))
	sig := SignDomain(key, DomainSealedLogEntry, h)

	e := Entry{Domain: DomainSealedLogEntry, Hash: h, Ed25519Sig: sig, PQScheme: "nonexistent-scheme"}
	assert.Error(t, Verify(e, pub, nil, ModeStrict))
}
