// Package config handles configuration loading and validation for the
// privacy witness kernel daemon.
package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Version is the current config schema version.
const Version = 1

// BucketKeyMode selects how the per-bucket correlation-token secret is
// derived (see internal/bucketkey).
type BucketKeyMode string

const (
	// BucketKeyModeRandom draws a fresh key from a CSPRNG on every
	// bucket rotation and discards it irrecoverably. This is the
	// kernel's default.
	BucketKeyModeRandom BucketKeyMode = "random"
	// BucketKeyModeHierarchical derives the per-bucket key from a held
	// root secret via HKDF, trading irrecoverability for
	// reproducibility while the root secret is held.
	BucketKeyModeHierarchical BucketKeyMode = "hierarchical"
)

// TrusteeConfig is one break-glass quorum trustee as read from config.
type TrusteeConfig struct {
	ID        string `toml:"id"`
	PublicKey string `toml:"public_key"` // hex-encoded ed25519 public key
}

// QuorumConfig describes the break-glass N-of-M trustee policy.
type QuorumConfig struct {
	Threshold int             `toml:"threshold"`
	Trustees  []TrusteeConfig `toml:"trustees"`
}

// Config (KernelConfig) holds the full daemon configuration.
type Config struct {
	Version int `toml:"version"`

	// StateDir is the root directory for the kernel's durable state
	// (sealed-log database, device key material, vault root).
	StateDir string `toml:"state_dir"`

	// SealedLogPath is the path to the sealed-log SQLite database.
	SealedLogPath string `toml:"sealed_log_path"`

	// SigningKeySeedPath is the path to the file containing the
	// device signing-key seed (see DEVICE_KEY_SEED).
	SigningKeySeedPath string `toml:"signing_key_seed_path"`

	// SigningKeyPath, if set, points to an externally managed Ed25519
	// key file (raw seed, raw private key, or OpenSSH format) to use
	// as the device signing key instead of SigningKeySeedPath's
	// daemon-generated seed. Lets an operator provision the device key
	// from an existing key-management process (see internal/signer).
	SigningKeyPath string `toml:"signing_key_path"`

	// ZoneAllowlistPath points to a hot-reloadable TOML file listing
	// permitted zone ids and the subset considered sensitive.
	ZoneAllowlistPath string `toml:"zone_allowlist_path"`

	// BucketSizeS is the event time-bucket width in seconds. Must be
	// >= 300.
	BucketSizeS uint32 `toml:"bucket_size_s"`

	// RetentionSecs is the sealed-log retention window before a
	// checkpoint-and-prune cycle runs.
	RetentionSecs int64 `toml:"retention_secs"`

	// BucketKeyMode selects C3's key-derivation strategy.
	BucketKeyMode BucketKeyMode `toml:"bucketkey_mode"`

	// JitterS and JitterStepS are the export pipeline's default
	// jitter window and step, in seconds.
	JitterS     int64 `toml:"jitter_s"`
	JitterStepS int64 `toml:"jitter_step_s"`

	// MaxEventsPerBatch bounds export batch size by default.
	MaxEventsPerBatch int `toml:"max_events_per_batch"`

	// Quorum is the break-glass trustee policy.
	Quorum QuorumConfig `toml:"quorum"`

	// SandboxDenylistExtra lists operator-appended syscall names to
	// deny in addition to the kernel's fixed denylist.
	SandboxDenylistExtra []string `toml:"sandbox_denylist_extra"`

	// PQScheme optionally names a post-quantum signature scheme id to
	// sign alongside ed25519 (see internal/sealedsig).
	PQScheme string `toml:"pq_scheme"`

	// TPMAttestation, if true, binds every sealed-log checkpoint to a
	// TPM 2.0 quote over its chain-head hash (see internal/tpm). Falls
	// back to no attestation, not an error, on hosts without a TPM.
	TPMAttestation bool `toml:"tpm_attestation"`

	Logging LoggingConfig `toml:"logging"`
}

// LoggingConfig configures the structured logger (internal/logging).
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	stateDir := PWKDataDir()

	return &Config{
		Version:            Version,
		StateDir:           stateDir,
		SealedLogPath:      filepath.Join(stateDir, "sealed-log.db"),
		SigningKeySeedPath: filepath.Join(stateDir, "device.seed"),
		ZoneAllowlistPath:  filepath.Join(stateDir, "zones.toml"),
		BucketSizeS:        600,
		RetentionSecs:      24 * 3600,
		BucketKeyMode:      BucketKeyModeRandom,
		JitterS:            0,
		JitterStepS:        60,
		MaxEventsPerBatch:  500,
		Quorum:             QuorumConfig{Threshold: 0},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ConfigPath returns the default configuration file path, honoring
// WITNESS_CONFIG if set.
func ConfigPath() string {
	if p := os.Getenv("WITNESS_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(PWKDataDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.StateDir,
		filepath.Dir(c.SealedLogPath),
		filepath.Dir(c.SigningKeySeedPath),
		filepath.Dir(c.ZoneAllowlistPath),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	return nil
}

// PWKDataDir returns the base kernel state directory.
func PWKDataDir() string {
	if d := PlatformDataDir(); d != "" {
		return d
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".pwk")
}

// Clone returns a deep-enough copy of c suitable for Merge/ConfigWatcher
// diffing (slices are copied, not aliased).
func (c *Config) Clone() *Config {
	clone := *c
	clone.Quorum.Trustees = append([]TrusteeConfig(nil), c.Quorum.Trustees...)
	clone.SandboxDenylistExtra = append([]string(nil), c.SandboxDenylistExtra...)
	return &clone
}

var errNilConfig = errors.New("config: nil configuration")

func tomlEncode(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}
