package detect

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/rawmedia"
)

func TestRegistryFirstBackendBecomesDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewStubBackend()))

	b, err := r.BackendForCapability(CapabilityMotion)
	require.NoError(t, err)
	assert.Equal(t, "stub-motion", b.Name())
}

func TestBackendForCapabilityFailsWhenUnsupported(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewStubBackend()))

	_, err := r.BackendForCapability(CapabilityObjectDetection)
	var notFound *ErrNoBackend
	require.ErrorAs(t, err, &notFound)
}

func TestRunDetectionDispatchesThroughInferenceView(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewStubBackend()))

	bucket, err := pwktime.New(600, 600)
	require.NoError(t, err)
	frame, err := rawmedia.NewRawFrame([]byte("pixels-a"), 10, 10, bucket, sha256.Sum256([]byte("pixels-a")))
	require.NoError(t, err)
	defer frame.Close()

	result, err := r.RunDetection(frame.InferenceView(), CapabilityMotion)
	require.NoError(t, err)
	assert.False(t, result.MotionDetected)
}

func TestSetDefaultRejectsUnregisteredName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewStubBackend()))
	assert.Error(t, r.SetDefault("nonexistent"))
}
