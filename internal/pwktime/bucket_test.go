package pwktime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsFineBuckets(t *testing.T) {
	_, err := New(1000, 299)
	require.ErrorIs(t, err, ErrBucketTooFine)

	b, err := New(1000, 300)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), b.SizeS)
}

func TestNewCoarsensDownToGrid(t *testing.T) {
	b, err := New(601, 600)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), b.StartEpochS)
	assert.Zero(t, b.StartEpochS%600)
}

func TestCoarsenToWidensOnly(t *testing.T) {
	b, err := New(1234, 300)
	require.NoError(t, err)

	wider, err := b.CoarsenTo(600)
	require.NoError(t, err)
	assert.Equal(t, uint32(600), wider.SizeS)

	_, err = wider.CoarsenTo(300)
	assert.Error(t, err)
}

func TestEqualAndKey(t *testing.T) {
	a, _ := New(600, 600)
	b, _ := New(600, 600)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	c, _ := New(1200, 600)
	assert.False(t, a.Equal(c))
}

func TestContainsAndEnd(t *testing.T) {
	b, _ := New(600, 600)
	assert.Equal(t, uint64(1200), b.End())
	assert.True(t, b.Contains(600))
	assert.True(t, b.Contains(1199))
	assert.False(t, b.Contains(1200))
}
