package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateConfigRejectsSmallBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketSizeS = 299
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket_size_s")
}

func TestValidateConfigRejectsThresholdAboveTrusteeCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quorum = QuorumConfig{
		Threshold: 2,
		Trustees:  []TrusteeConfig{{ID: "alice", PublicKey: "aa"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quorum.threshold")
}

func TestValidateConfigRejectsDuplicateTrustee(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quorum = QuorumConfig{
		Threshold: 1,
		Trustees: []TrusteeConfig{
			{ID: "alice", PublicKey: "aa"},
			{ID: "alice", PublicKey: "bb"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate trustee")
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, uint32(600), cfg.BucketSizeS)
}

func TestLoadOrCreateWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, cfg.Validate())

	_, err = os.Stat(path)
	require.NoError(t, err)

	cfg2, created2, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, cfg.BucketSizeS, cfg2.BucketSizeS)
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, uint32(600), cfg.BucketSizeS)
}
