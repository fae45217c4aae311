// Package zonepolicy enforces the zone-id allowlist and sensitive-zone
// discipline that keeps GPS-like location labels out of the kernel's
// event vocabulary. Precise zone strings are refused at the value
// level before any module output reaches the contract enforcer.
package zonepolicy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// IDPattern is the only shape a persisted zone id may take.
var IDPattern = regexp.MustCompile(`^zone:[a-z0-9_-]{1,64}$`)

// ErrInvalidZoneID is returned when a zone id does not match IDPattern.
type ErrInvalidZoneID struct {
	Got string
}

func (e *ErrInvalidZoneID) Error() string {
	return fmt.Sprintf("zonepolicy: invalid zone id %q: must match %s", e.Got, IDPattern.String())
}

// ValidateID checks s against the allowlist regex after lowercasing,
// returning the canonical (lowercased) form on success.
func ValidateID(s string) (string, error) {
	lowered := strings.ToLower(s)
	if !IDPattern.MatchString(lowered) {
		return "", &ErrInvalidZoneID{Got: s}
	}
	return lowered, nil
}

// Policy tracks the set of zone ids considered sensitive: events
// occurring in a sensitive zone are rejected by the contract enforcer
// rather than sealed. Policy is safe for concurrent read/reload.
type Policy struct {
	mu        sync.RWMutex
	sensitive map[string]struct{}
}

// NewPolicy builds a Policy from a list of zone ids. Each id is
// validated and canonicalized; an invalid id aborts construction so a
// malformed ruleset file can never be partially applied.
func NewPolicy(sensitiveZones []string) (*Policy, error) {
	set := make(map[string]struct{}, len(sensitiveZones))
	for _, z := range sensitiveZones {
		canon, err := ValidateID(z)
		if err != nil {
			return nil, err
		}
		set[canon] = struct{}{}
	}
	return &Policy{sensitive: set}, nil
}

// IsSensitive reports whether zoneID (already canonicalized) is in the
// sensitive set.
func (p *Policy) IsSensitive(zoneID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sensitive[zoneID]
	return ok
}

// Replace atomically swaps the sensitive-zone set, used by the
// hot-reload watcher when the ruleset file changes. The caller is
// responsible for validating the new zones before calling Replace -
// Reload (below) does this via NewPolicy.
func (p *Policy) Replace(sensitiveZones []string) error {
	fresh, err := NewPolicy(sensitiveZones)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sensitive = fresh.sensitive
	p.mu.Unlock()
	return nil
}

// Zones returns a snapshot of the sensitive set, sorted is not
// guaranteed; intended for diagnostics only.
func (p *Policy) Zones() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.sensitive))
	for z := range p.sensitive {
		out = append(out, z)
	}
	return out
}
