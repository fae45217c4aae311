// Package detect defines the swappable inference backend boundary:
// modules supply detector backends registered under a name, and the
// contract enforcer dispatches to whichever registered backend
// supports the capability an event requires. This is an AUDIT
// boundary, not a security boundary - rawmedia's InferenceView
// prevents a backend from ever obtaining raw bytes it could exfiltrate,
// but nothing stops a backend from computing an identity-linked
// output internally; that remains the responsibility of manual review
// and the contract enforcer's allowlist checks downstream.
package detect

import (
	"fmt"
	"sync"

	"github.com/kmay89/pwk/internal/rawmedia"
)

// Capability enumerates the privacy-preserving detection primitives a
// backend may support. Identity-linked outputs (faces, plates, re-ID
// vectors) are deliberately absent from this enum.
type Capability int

const (
	CapabilityMotion Capability = iota
	CapabilityObjectDetection
	CapabilityClassification
)

// Backend is a registered detector implementation.
type Backend interface {
	rawmedia.Detector
	// Name is the backend's registry key.
	Name() string
	// Supports reports whether this backend can serve capability.
	Supports(capability Capability) bool
	// WarmUp runs any one-time initialization (model load, etc). It is
	// called once at registration time; registries that fail warm-up
	// are not added.
	WarmUp() error
}

// ErrNoBackend is returned when no registered backend supports the
// requested capability.
type ErrNoBackend struct {
	Capability Capability
}

func (e *ErrNoBackend) Error() string {
	return fmt.Sprintf("detect: no registered backend supports capability %v", e.Capability)
}

// Registry is a thread-safe set of named detector backends. Backends
// are wrapped in a mutex because Backend.DetectInternal takes an
// implicit receiver that may mutate internal state (e.g. a frame-diff
// history).
type Registry struct {
	mu          sync.Mutex
	backends    map[string]Backend
	defaultName string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register installs backend under its own name, warming it up first.
// The first backend registered becomes the default. Warm-up failure
// means the backend is never added.
func (r *Registry) Register(backend Backend) error {
	if err := backend.WarmUp(); err != nil {
		return fmt.Errorf("detect: warm up backend %q: %w", backend.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultName == "" {
		r.defaultName = backend.Name()
	}
	r.backends[backend.Name()] = backend
	return nil
}

// SetDefault changes which registered backend is preferred by
// BackendForCapability.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("detect: backend %q not registered", name)
	}
	r.defaultName = name
	return nil
}

// Get returns the backend registered under name, if any.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[name]
	return b, ok
}

// List returns the names of all registered backends.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

// BackendForCapability returns a backend supporting capability,
// preferring the default backend if it qualifies.
func (r *Registry) BackendForCapability(capability Capability) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.defaultName != "" {
		if b := r.backends[r.defaultName]; b != nil && b.Supports(capability) {
			return b, nil
		}
	}
	for _, b := range r.backends {
		if b.Supports(capability) {
			return b, nil
		}
	}
	return nil, &ErrNoBackend{Capability: capability}
}

// BackendForPreferred returns the first backend named in preferred
// (in the module descriptor's declared order) that is both registered
// and supports capability, falling back to BackendForCapability's
// default-first search when preferred is empty or none of its entries
// qualify. This is how a ModuleDescriptor's SupportedBackends ordering
// drives which backend actually runs.
func (r *Registry) BackendForPreferred(preferred []string, capability Capability) (Backend, error) {
	r.mu.Lock()
	for _, name := range preferred {
		if b, ok := r.backends[name]; ok && b.Supports(capability) {
			r.mu.Unlock()
			return b, nil
		}
	}
	r.mu.Unlock()
	return r.BackendForCapability(capability)
}

// RunDetection dispatches inference against view to whichever
// registered backend supports capability.
func (r *Registry) RunDetection(view rawmedia.InferenceView, capability Capability) (rawmedia.DetectionResult, error) {
	backend, err := r.BackendForCapability(capability)
	if err != nil {
		return rawmedia.DetectionResult{}, err
	}
	return view.RunDetector(backend), nil
}
