package rawmedia

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/pwk/internal/pwktime"
)

type fakeToken struct {
	envelopeID   string
	rulesetHash  [32]byte
	consumed     bool
	validateErr  error
}

func (t *fakeToken) Validate(envelopeID string, expectedRulesetHash [32]byte) error {
	if t.validateErr != nil {
		return t.validateErr
	}
	if envelopeID != t.envelopeID || expectedRulesetHash != t.rulesetHash {
		return errors.New("fakeToken: scope mismatch")
	}
	return nil
}

func (t *fakeToken) Consume() error {
	if t.consumed {
		return errors.New("fakeToken: already consumed")
	}
	t.consumed = true
	return nil
}

func testBucket(t *testing.T) pwktime.Bucket {
	b, err := pwktime.New(600, 600)
	require.NoError(t, err)
	return b
}

func TestInferenceViewCannotExportBytes(t *testing.T) {
	frame, err := NewRawFrame([]byte("test pixels"), 640, 480, testBucket(t), sha256.Sum256([]byte("test pixels")))
	require.NoError(t, err)
	defer frame.Close()

	view := frame.InferenceView()
	_, err = view.TryExportBytes()
	assert.ErrorIs(t, err, ErrExportDenied)
}

func TestInferenceViewExposesMetadataOnly(t *testing.T) {
	bucket := testBucket(t)
	frame, err := NewRawFrame([]byte("test pixels"), 640, 480, bucket, sha256.Sum256([]byte("test pixels")))
	require.NoError(t, err)
	defer frame.Close()

	view := frame.InferenceView()
	assert.Equal(t, uint32(640), view.Width())
	assert.Equal(t, uint32(480), view.Height())
	assert.True(t, view.TimestampBucket().Equal(bucket))
}

func TestExportForVaultRequiresValidToken(t *testing.T) {
	frame, err := NewRawFrame([]byte("test pixels"), 640, 480, testBucket(t), sha256.Sum256([]byte("test pixels")))
	require.NoError(t, err)

	var rulesetHash [32]byte
	_, err = frame.ExportForVault(nil, "envelope", rulesetHash)
	assert.ErrorIs(t, err, ErrExportDenied)
}

func TestExportForVaultSucceedsWithValidToken(t *testing.T) {
	data := []byte("test pixels")
	frame, err := NewRawFrame(append([]byte(nil), data...), 640, 480, testBucket(t), sha256.Sum256(data))
	require.NoError(t, err)

	var rulesetHash [32]byte
	tok := &fakeToken{envelopeID: "envelope", rulesetHash: rulesetHash}

	out, err := frame.ExportForVault(tok, "envelope", rulesetHash)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.True(t, tok.consumed)
}

func TestFrameBufferEnforcesCapacity(t *testing.T) {
	buf := NewFrameBuffer()
	defer buf.Close()

	for i := 0; i < MaxBufferFrames+10; i++ {
		data := []byte{byte(i), byte(i >> 8)}
		f, err := NewRawFrame(data, 10, 10, testBucket(t), sha256.Sum256(data))
		require.NoError(t, err)
		buf.Push(f)
	}
	assert.LessOrEqual(t, buf.Len(), MaxBufferFrames)
}

func TestStubDetectorDetectsMotion(t *testing.T) {
	d := NewStubDetector()

	r1 := d.DetectInternal([]byte("frame1"), 10, 10)
	assert.False(t, r1.MotionDetected)

	r2 := d.DetectInternal([]byte("frame2"), 10, 10)
	assert.True(t, r2.MotionDetected)

	r3 := d.DetectInternal([]byte("frame2"), 10, 10)
	assert.False(t, r3.MotionDetected)
}

func TestFrameBufferDrainForVaultConsumesTokenOnce(t *testing.T) {
	buf := NewFrameBuffer()
	for i := 0; i < 3; i++ {
		data := []byte{byte(i)}
		f, err := NewRawFrame(data, 1, 1, testBucket(t), sha256.Sum256(data))
		require.NoError(t, err)
		buf.Push(f)
	}

	var rulesetHash [32]byte
	tok := &fakeToken{envelopeID: "envelope", rulesetHash: rulesetHash}

	out, err := buf.DrainForVault(tok, "envelope", rulesetHash)
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, 0, buf.Len())
}
