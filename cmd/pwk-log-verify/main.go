// pwk-log-verify walks the sealed log's hash chain and checks every
// entry's signature, independent of any export or break-glass
// activity - the standalone audit tool for "has this kernel's sealed
// log been tampered with". When the config declares a quorum policy,
// it additionally re-derives every break-glass receipt's approvals
// commitment and checks each stored approval against that policy, the
// independent auditor-side check a trustee key alone cannot skip.
//
// Usage:
//
//	pwk-log-verify
//	pwk-log-verify -compat
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/kmay89/pwk/internal/breakglass"
	"github.com/kmay89/pwk/internal/config"
	"github.com/kmay89/pwk/internal/sandbox"
	"github.com/kmay89/pwk/internal/sealedlog"
	"github.com/kmay89/pwk/internal/sealedsig"
)

func main() {
	sandbox.MaybeRunWorker()

	dbPath := flag.String("db-path", "", "path to the sealed-log database (default: from config)")
	seedPath := flag.String("device-key-seed-path", "", "path to the device key seed file (default: from config)")
	compat := flag.Bool("compat", false, "accept legacy (pre-domain-separation) signatures")
	quiet := flag.Bool("quiet", false, "suppress the OK message, exit code only")
	flag.Parse()

	cfg, _, err := config.LoadOrCreate(config.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath == "" {
		*dbPath = cfg.SealedLogPath
	}
	if *seedPath == "" {
		*seedPath = cfg.SigningKeySeedPath
	}

	store, err := sealedlog.OpenSQLite(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening sealed log: %v\n", err)
		os.Exit(1)
	}

	seed, err := os.ReadFile(*seedPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading device key seed: %v\n", err)
		os.Exit(1)
	}
	devicePriv, err := sealedsig.SigningKeyFromSeed(seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error deriving device signing key: %v\n", err)
		os.Exit(1)
	}

	signer := sealedlog.NewEntrySigner(devicePriv)
	engine := sealedlog.NewEngine(store, signer, "pwk-log-verify/1", "", [32]byte{})
	defer engine.Close()

	mode := sealedsig.ModeStrict
	if *compat {
		mode = sealedsig.ModeCompat
	}

	if err := engine.VerifyChain(mode); err != nil {
		fmt.Printf("FAIL: %v\n", err)
		os.Exit(1)
	}

	if len(cfg.Quorum.Trustees) > 0 {
		policy, err := quorumPolicyFromConfig(cfg.Quorum)
		if err != nil {
			fmt.Printf("FAIL: %v\n", err)
			os.Exit(1)
		}
		if err := breakglass.VerifyReceiptChain(policy, engine); err != nil {
			fmt.Printf("FAIL: %v\n", err)
			os.Exit(1)
		}
	}

	if !*quiet {
		fmt.Println("OK: sealed log chain verifies")
	}
}

func quorumPolicyFromConfig(qc config.QuorumConfig) (*breakglass.QuorumPolicy, error) {
	trustees := make([]breakglass.TrusteeEntry, 0, len(qc.Trustees))
	for _, t := range qc.Trustees {
		pub, err := hex.DecodeString(t.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("trustee %s: decode public key: %w", t.ID, err)
		}
		trustees = append(trustees, breakglass.TrusteeEntry{
			ID:        breakglass.NewTrusteeID(t.ID),
			PublicKey: ed25519.PublicKey(pub),
		})
	}
	return breakglass.NewQuorumPolicy(uint8(qc.Threshold), trustees)
}
