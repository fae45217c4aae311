// Package rawmedia enforces raw-media isolation at the Go type level:
// RawFrame's pixel bytes are unexported and the package exposes no
// method that returns them directly. Modules receive an InferenceView,
// which can run a Detector against the pixels internally but cannot
// copy them out. The only path to raw bytes is ExportForVault, which
// requires a valid, single-use export token and is wired exclusively
// to the break-glass and vault components.
package rawmedia

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/security"
)

// MaxPrerollSecs is the hard cap on how much raw media can be
// buffered for vault sealing.
const MaxPrerollSecs = 30

// MaxBufferFrames is the hard cap on FrameBuffer capacity. At 10fps,
// 30 seconds of pre-roll is 300 frames.
const MaxBufferFrames = 300

// ExportToken is the capability a caller must hold to pull raw bytes
// out of a RawFrame or FrameBuffer. The concrete implementation lives
// in the break-glass component; rawmedia only depends on this
// interface so the raw-media isolation boundary has no import-time
// dependency on quorum/receipt logic.
type ExportToken interface {
	// Validate checks that the token authorizes export for envelopeID
	// under expectedRulesetHash, and has not already been consumed.
	Validate(envelopeID string, expectedRulesetHash [32]byte) error
	// Consume marks the token used. A token can back at most one
	// export; Consume returns an error if already consumed.
	Consume() error
}

// VaultSink is the out-of-scope filesystem vault encoder's interface
// to the core. The concrete default implementation lives in
// internal/vaultfs; rawmedia only depends on this interface so the
// raw-media isolation boundary has no import-time dependency on any
// particular envelope encoding.
type VaultSink interface {
	// Seal persists raw under envelopeID, bound to aad (an
	// encoding of the envelope id and ruleset hash) so a ciphertext
	// cannot be replayed against a different envelope or ruleset.
	Seal(envelopeID string, raw []byte, aad []byte) error
}

// ErrExportDenied is returned by any attempt to read raw bytes without
// a valid, unconsumed ExportToken.
var ErrExportDenied = errors.New("rawmedia: raw byte export denied outside break-glass flow")

// RawFrame is an opaque raw frame: pixel bytes are private and the
// type provides no Clone, no byte-slice conversion, and no JSON
// marshaling. Modules interact with it only through InferenceView.
type RawFrame struct {
	mu              sync.Mutex
	data            *security.SecureBytes
	closed          bool
	Width           uint32
	Height          uint32
	TimestampBucket pwktime.Bucket
	captureInstant  time.Time
	featuresHash    [32]byte
}

// NewRawFrame builds a RawFrame from data, which is copied into
// secure storage and wiped from the caller's slice. featuresHash must
// be derived from non-identity-bearing embeddings computed at capture
// time (e.g. a pixel-variance or motion-vector digest), never from the
// raw bytes verbatim, so it is safe to hand to modules as a
// correlation-token seed.
func NewRawFrame(data []byte, width, height uint32, bucket pwktime.Bucket, featuresHash [32]byte) (*RawFrame, error) {
	sb, err := security.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("rawmedia: secure frame storage: %w", err)
	}
	return &RawFrame{
		data:            sb,
		Width:           width,
		Height:          height,
		TimestampBucket: bucket,
		captureInstant:  time.Now(),
		featuresHash:    featuresHash,
	}, nil
}

// InferenceView returns the restricted view modules are given.
func (f *RawFrame) InferenceView() InferenceView {
	return InferenceView{frame: f}
}

// ageSecs reports how long this frame has been buffered, for
// FrameBuffer TTL eviction.
func (f *RawFrame) ageSecs() uint64 {
	return uint64(time.Since(f.captureInstant).Seconds())
}

// byteLen reports the raw pixel payload length, for buffer memory
// accounting only.
func (f *RawFrame) byteLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0
	}
	return f.data.Len()
}

// ExportForVault is the sole path to raw bytes: it requires a valid,
// unconsumed ExportToken bound to envelopeID and expectedRulesetHash.
// The frame is closed (its secure storage zeroized) after export
// whether or not the call succeeds, limiting the in-memory exposure
// window to this single call.
func (f *RawFrame) ExportForVault(token ExportToken, envelopeID string, expectedRulesetHash [32]byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.closeLocked()

	if f.closed {
		return nil, ErrExportDenied
	}
	if token == nil {
		return nil, ErrExportDenied
	}
	if err := token.Validate(envelopeID, expectedRulesetHash); err != nil {
		return nil, fmt.Errorf("rawmedia: export token invalid: %w", err)
	}
	if err := token.Consume(); err != nil {
		return nil, fmt.Errorf("rawmedia: consume export token: %w", err)
	}
	return f.data.Copy(), nil
}

// copyAndClose returns a copy of the frame's raw bytes and zeroizes
// the frame's storage, without touching any ExportToken. It is used
// by FrameBuffer.DrainForVault, which validates and consumes a single
// token across the whole pre-roll batch rather than per frame.
func (f *RawFrame) copyAndClose() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.closeLocked()
	if f.closed {
		return nil
	}
	return f.data.Copy()
}

// Close zeroizes the frame's pixel storage without exporting it. Safe
// to call multiple times.
func (f *RawFrame) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
	return nil
}

func (f *RawFrame) closeLocked() {
	if f.closed {
		return
	}
	f.data.Destroy()
	f.closed = true
}

// InferenceView is the restricted interface modules actually hold. It
// exposes dimensions, the coarse time bucket, the feature hash, and
// the ability to run a Detector - never raw bytes.
type InferenceView struct {
	frame *RawFrame
}

func (v InferenceView) Width() uint32                        { return v.frame.Width }
func (v InferenceView) Height() uint32                       { return v.frame.Height }
func (v InferenceView) TimestampBucket() pwktime.Bucket       { return v.frame.TimestampBucket }
func (v InferenceView) FeaturesHash() [32]byte                { return v.frame.featuresHash }

// TryExportBytes always fails in normal operation; it exists so
// conformance tests can assert the boundary holds without reaching
// into package-private fields.
func (v InferenceView) TryExportBytes() ([]byte, error) {
	return nil, ErrExportDenied
}

// RunDetector runs d against this frame's pixels. Pixels are passed
// into the detector by reference for the duration of this call only;
// RunDetector does not give the detector any way to retain the slice
// past its return.
func (v InferenceView) RunDetector(d Detector) DetectionResult {
	v.frame.mu.Lock()
	defer v.frame.mu.Unlock()
	if v.frame.closed {
		return DetectionResult{}
	}
	pixels := v.frame.data.Bytes()
	return d.DetectInternal(pixels, v.frame.Width, v.frame.Height)
}

// Detector runs inference over raw pixels and returns only
// non-extractive detection results. Implementations must not retain
// pixels beyond the call, copy them to external storage, or transmit
// them; doing so is a conformance violation even though nothing in
// the Go type system can prevent it directly (unlike InferenceView's
// own API surface).
type Detector interface {
	DetectInternal(pixels []byte, width, height uint32) DetectionResult
}

// DetectionResult is what a Detector is allowed to report back.
type DetectionResult struct {
	MotionDetected bool
	Detections     []Detection
	Confidence     float32
	SizeClass      SizeClass
}

// Detection is a single bounding box in normalized [0,1] coordinates.
type Detection struct {
	X, Y, W, H float32
	Confidence float32
}

// SizeClass buckets a detection by size rather than exposing precise
// dimensions that could aid re-identification.
type SizeClass int

const (
	SizeClassUnknown SizeClass = iota
	SizeClassSmall
	SizeClassLarge
)

// StubDetector is a minimal reference Detector: it flags motion by
// comparing the SHA256 of consecutive frames' pixels. It exists to
// exercise the Detector boundary and as a default backend when no
// production detector module is registered.
type StubDetector struct {
	lastHash    [32]byte
	hasLastHash bool
}

// NewStubDetector returns a ready StubDetector.
func NewStubDetector() *StubDetector {
	return &StubDetector{}
}

// DetectInternal implements Detector.
func (s *StubDetector) DetectInternal(pixels []byte, _, _ uint32) DetectionResult {
	current := sha256.Sum256(pixels)
	motion := s.hasLastHash && current != s.lastHash
	s.lastHash = current
	s.hasLastHash = true

	result := DetectionResult{MotionDetected: motion}
	if motion {
		result.Confidence = 0.85
		result.SizeClass = SizeClassLarge
	}
	return result
}
