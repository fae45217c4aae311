package bucketkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/pwk/internal/pwktime"
)

func TestTokenForFeaturesRequiresRotation(t *testing.T) {
	m := NewRandom()
	defer m.Close()

	var fh [32]byte
	_, err := m.TokenForFeatures(fh)
	require.ErrorIs(t, err, ErrNoActiveKey)
}

func TestRotateIfNeededIsNoOpWithinSameBucket(t *testing.T) {
	m := NewRandom()
	defer m.Close()

	b, err := pwktime.New(600, 600)
	require.NoError(t, err)
	require.NoError(t, m.RotateIfNeeded(b))

	var fh [32]byte
	t1, err := m.TokenForFeatures(fh)
	require.NoError(t, err)

	require.NoError(t, m.RotateIfNeeded(b))
	t2, err := m.TokenForFeatures(fh)
	require.NoError(t, err)

	assert.Equal(t, t1, t2)
}

func TestRotateIfNeededChangesKeyAcrossBuckets(t *testing.T) {
	m := NewRandom()
	defer m.Close()

	b1, _ := pwktime.New(600, 600)
	b2, _ := pwktime.New(1200, 600)

	require.NoError(t, m.RotateIfNeeded(b1))
	var fh [32]byte
	t1, err := m.TokenForFeatures(fh)
	require.NoError(t, err)

	require.NoError(t, m.RotateIfNeeded(b2))
	t2, err := m.TokenForFeatures(fh)
	require.NoError(t, err)

	assert.NotEqual(t, t1, t2)
}

func TestHierarchicalModeIsDeterministic(t *testing.T) {
	root := make([]byte, 32)
	for i := range root {
		root[i] = byte(i)
	}

	m1, err := NewHierarchical(root)
	require.NoError(t, err)
	defer m1.Close()
	m2, err := NewHierarchical(root)
	require.NoError(t, err)
	defer m2.Close()

	b, _ := pwktime.New(600, 600)
	require.NoError(t, m1.RotateIfNeeded(b))
	require.NoError(t, m2.RotateIfNeeded(b))

	var fh [32]byte
	t1, err := m1.TokenForFeatures(fh)
	require.NoError(t, err)
	t2, err := m2.TokenForFeatures(fh)
	require.NoError(t, err)
	assert.Equal(t, t1, t2)
}

func TestNewHierarchicalRejectsShortRoot(t *testing.T) {
	_, err := NewHierarchical([]byte("too short"))
	assert.Error(t, err)
}

func TestCloseThenTokenForFeaturesFails(t *testing.T) {
	m := NewRandom()
	b, _ := pwktime.New(600, 600)
	require.NoError(t, m.RotateIfNeeded(b))
	require.NoError(t, m.Close())

	var fh [32]byte
	_, err := m.TokenForFeatures(fh)
	assert.ErrorIs(t, err, ErrNoActiveKey)
}
