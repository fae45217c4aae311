package detect

import (
	"github.com/kmay89/pwk/internal/rawmedia"
)

// StubBackend wraps rawmedia.StubDetector (hash-diff motion
// detection) as a registrable Backend. It is the kernel's default
// backend: a production deployment registers a real model backend
// and calls Registry.SetDefault, but the kernel must never be left
// without at least one working backend.
type StubBackend struct {
	detector *rawmedia.StubDetector
}

// NewStubBackend returns a ready StubBackend.
func NewStubBackend() *StubBackend {
	return &StubBackend{detector: rawmedia.NewStubDetector()}
}

func (b *StubBackend) Name() string { return "stub-motion" }

func (b *StubBackend) Supports(capability Capability) bool {
	return capability == CapabilityMotion
}

func (b *StubBackend) WarmUp() error { return nil }

// DetectInternal implements rawmedia.Detector.
func (b *StubBackend) DetectInternal(pixels []byte, width, height uint32) rawmedia.DetectionResult {
	return b.detector.DetectInternal(pixels, width, height)
}
