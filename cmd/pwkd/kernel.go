package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/kmay89/pwk/internal/config"
	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/logging"
	"github.com/kmay89/pwk/internal/sealedlog"
	"github.com/kmay89/pwk/internal/sealedsig"
	"github.com/kmay89/pwk/internal/signer"
	"github.com/kmay89/pwk/internal/tpm"
)

// defaultRulesetID is the ruleset a freshly initialized kernel binds
// its sealed events to until an operator configures another.
const defaultRulesetID = "ruleset:v0.1"

const kernelVersion = "pwkd/1"

// loggingConfigFrom converts the TOML-facing LoggingConfig into the
// logging package's runtime Config.
func loggingConfigFrom(lc config.LoggingConfig) *logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Component = "pwkd"
	if lc.Level != "" {
		if lvl, err := logging.ParseLevel(lc.Level); err == nil {
			cfg.Level = lvl
		}
	}
	switch lc.Format {
	case "json":
		cfg.Format = logging.FormatJSON
	case "text", "":
		cfg.Format = logging.FormatText
	}
	if lc.Output != "" {
		cfg.Output = lc.Output
	}
	return cfg
}

// loadOrCreateDeviceSeed reads the device key seed file, generating a
// fresh random 32-byte seed on first run. The seed is never the
// devkey:mvp sentinel sealedsig.SigningKeyFromSeed refuses.
func loadOrCreateDeviceSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read device key seed: %w", err)
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate device key seed: %w", err)
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("save device key seed: %w", err)
	}
	return seed, nil
}

// loadDeviceKey resolves the device signing key: an externally
// provisioned key file (cfg.SigningKeyPath) takes precedence over the
// daemon-generated seed, so an operator with their own key-management
// process never has the daemon mint a key underneath it.
func loadDeviceKey(cfg *config.Config) (ed25519.PrivateKey, error) {
	if cfg.SigningKeyPath != "" {
		priv, err := signer.LoadPrivateKey(cfg.SigningKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load signing key %s: %w", cfg.SigningKeyPath, err)
		}
		return priv, nil
	}

	seed, err := loadOrCreateDeviceSeed(cfg.SigningKeySeedPath)
	if err != nil {
		return nil, err
	}
	priv, err := sealedsig.SigningKeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("derive device signing key: %w", err)
	}
	return priv, nil
}

// openEngine opens the sealed-log store at cfg's configured path and
// wraps it in an Engine signed by the device key derived from cfg's
// seed file, optionally dual-signed under cfg.PQScheme. kernelVer and
// rulesetID bind every event and failure appended through the
// returned Engine.
func openEngine(cfg *config.Config, kernelVer, rulesetID string) (*sealedlog.Engine, ed25519.PrivateKey, error) {
	devicePriv, err := loadDeviceKey(cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := sealedlog.OpenSQLite(cfg.SealedLogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sealed log: %w", err)
	}

	signer := sealedlog.NewEntrySigner(devicePriv)
	if cfg.PQScheme != "" {
		scheme, ok := sealedsig.Lookup(cfg.PQScheme)
		if !ok {
			store.Close()
			return nil, nil, fmt.Errorf("unknown pq_scheme %q", cfg.PQScheme)
		}
		pqPub, pqPriv, err := ed25519.GenerateKey(nil)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("generate pq key material: %w", err)
		}
		signer = signer.WithPQ(scheme, pqPriv, pqPub)
	}

	rulesetHash := contract.RulesetHashFromID(rulesetID)
	engine := sealedlog.NewEngine(store, signer, kernelVer, rulesetID, rulesetHash)

	if cfg.TPMAttestation {
		engine.SetTPMBinder(tpm.NewBinder(tpm.DetectTPM()))
	}

	return engine, devicePriv, nil
}
