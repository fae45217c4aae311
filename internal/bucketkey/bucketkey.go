// Package bucketkey manages the kernel's ephemeral per-bucket
// correlation-token key: a single 32-byte secret, live for exactly one
// time bucket, used to derive unlinkable correlation tokens for the
// events sealed within that bucket. The key is zeroized the instant
// the bucket rolls over, so no secret material that could link two
// buckets' tokens together ever persists past a bucket boundary.
package bucketkey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/security"
)

// Mode selects how a new bucket's key is derived.
type Mode int

const (
	// ModeRandom draws the bucket key from a CSPRNG, independent of
	// every other bucket. This is the default: it gives the strongest
	// possible unlinkability, at the cost of no ability to
	// deterministically re-derive a past bucket's key.
	ModeRandom Mode = iota
	// ModeHierarchical derives the bucket key from an operator-supplied
	// root secret plus the bucket's canonical bytes via HKDF, grounded
	// on the teacher's keyhierarchy ratchet-derivation pattern. This
	// trades a theoretical linkability risk (anyone holding the root
	// secret can recompute any bucket's key) for deterministic
	// reproducibility, and is opt-in only.
	ModeHierarchical
)

const hierarchicalInfoDomain = "pwk-bucket-key-v1"

// ErrNoActiveKey is returned by TokenForFeatures when RotateIfNeeded
// has never been called, or the manager has been closed.
var ErrNoActiveKey = errors.New("bucketkey: no active bucket key")

// Manager holds the single currently-live bucket key and rotates it
// whenever the active time bucket changes. It is not safe for
// concurrent use without external synchronization by design: a single
// goroutine owns the contract-enforcement pipeline and calls
// RotateIfNeeded once per observed event.
type Manager struct {
	mu     sync.Mutex
	mode   Mode
	root   []byte // only used in ModeHierarchical
	bucket pwktime.Bucket
	hasKey bool
	key    *security.SecureBytes
}

// NewRandom returns a Manager that draws each bucket's key uniformly
// at random.
func NewRandom() *Manager {
	return &Manager{mode: ModeRandom}
}

// NewHierarchical returns a Manager that derives each bucket's key
// from root via HKDF-SHA256. root is copied; the caller remains
// responsible for zeroizing its own copy.
func NewHierarchical(root []byte) (*Manager, error) {
	if len(root) < 32 {
		return nil, fmt.Errorf("bucketkey: hierarchical root secret must be at least 32 bytes, got %d", len(root))
	}
	rootCopy := make([]byte, len(root))
	copy(rootCopy, root)
	return &Manager{mode: ModeHierarchical, root: rootCopy}, nil
}

// RotateIfNeeded installs a fresh key if bucket differs from the
// currently active bucket (or no bucket is active yet). The previous
// key, if any, is zeroized before being replaced. A call with the same
// bucket as already active is a no-op.
func (m *Manager) RotateIfNeeded(bucket pwktime.Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasKey && m.bucket.Equal(bucket) {
		return nil
	}

	fresh, err := m.deriveKey(bucket)
	if err != nil {
		return err
	}

	secure, err := security.FromBytes(fresh)
	if err != nil {
		return fmt.Errorf("bucketkey: secure key storage: %w", err)
	}

	if m.hasKey {
		m.key.Destroy()
	}
	m.key = secure
	m.bucket = bucket
	m.hasKey = true
	return nil
}

func (m *Manager) deriveKey(bucket pwktime.Bucket) ([]byte, error) {
	switch m.mode {
	case ModeRandom:
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("bucketkey: generate random key: %w", err)
		}
		return buf, nil
	case ModeHierarchical:
		info := bucketInfoBytes(bucket)
		r := hkdf.New(sha256.New, m.root, nil, info)
		buf := make([]byte, 32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("bucketkey: hkdf derive: %w", err)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("bucketkey: unknown mode %d", m.mode)
	}
}

func bucketInfoBytes(bucket pwktime.Bucket) []byte {
	key := bucket.Key()
	info := make([]byte, len(hierarchicalInfoDomain)+16)
	copy(info, hierarchicalInfoDomain)
	off := len(hierarchicalInfoDomain)
	putUint64(info[off:off+8], key[0])
	putUint64(info[off+8:off+16], key[1])
	return info
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// TokenForFeatures derives an unlinkable correlation token for the
// given feature digest under the current bucket key:
//
//	token = HMAC-SHA256(bucket_key, featuresHash)
//
// It fails with ErrNoActiveKey if RotateIfNeeded has not yet installed
// a key for the current bucket.
func (m *Manager) TokenForFeatures(featuresHash [32]byte) ([32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var token [32]byte
	if !m.hasKey {
		return token, ErrNoActiveKey
	}
	mac := hmac.New(sha256.New, m.key.Bytes())
	mac.Write(featuresHash[:])
	copy(token[:], mac.Sum(nil))
	return token, nil
}

// ActiveBucket reports the bucket the current key belongs to, and
// whether a key is currently active.
func (m *Manager) ActiveBucket() (pwktime.Bucket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bucket, m.hasKey
}

// Close zeroizes the active key, if any, and marks the manager
// permanently empty.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasKey {
		m.key.Destroy()
		m.hasKey = false
	}
	if m.root != nil {
		security.Wipe(m.root)
		m.root = nil
	}
	return nil
}
