package vaultfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealUnsealRoundTrips(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	store, err := Open(root)
	require.NoError(t, err)

	aad := []byte("incident-1|ruleset-hash")
	require.NoError(t, store.Seal("incident-1", []byte("raw bytes"), aad))

	clear, err := store.Unseal("incident-1", aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw bytes"), clear)
}

func TestSealRejectsDuplicateEnvelope(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	store, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, store.Seal("incident-2", []byte("a"), nil))
	err = store.Seal("incident-2", []byte("b"), nil)
	assert.ErrorIs(t, err, ErrEnvelopeExists)
}

func TestSealRejectsInvalidEnvelopeID(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	store, err := Open(root)
	require.NoError(t, err)

	err = store.Seal("Incident 3!", []byte("a"), nil)
	assert.ErrorIs(t, err, ErrInvalidEnvelopeID)
}

func TestUnsealRejectsWrongAAD(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	store, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, store.Seal("incident-4", []byte("raw bytes"), []byte("correct-aad")))
	_, err = store.Unseal("incident-4", []byte("wrong-aad"))
	assert.Error(t, err)
}

func TestCiphertextIsNotPlaintext(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	store, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, store.Seal("incident-5", []byte("raw bytes"), nil))
	encoded, err := os.ReadFile(filepath.Join(root, "incident-5.vault"))
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "raw bytes")
}

func TestMasterKeyPersistsAcrossReopen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	store, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, store.Seal("incident-6", []byte("raw bytes"), []byte("aad")))

	reopened, err := Open(root)
	require.NoError(t, err)
	clear, err := reopened.Unseal("incident-6", []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw bytes"), clear)
}

func TestMasterKeyFilePermissions(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	_, err := Open(root)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, masterKeyFilename))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestVaultWritesUnderRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	store, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, store.Seal("incident-7", []byte("raw bytes"), nil))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "incident-7.vault")
	assert.Contains(t, names, masterKeyFilename)
}
