// pwk-export-verify checks an export bundle produced by
// pwk-export-events: that the artifact's hash matches its receipt, and
// optionally that the sealed log's whole hash chain still verifies.
//
// Usage:
//
//	pwk-export-verify -bundle events.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/kmay89/pwk/internal/config"
	"github.com/kmay89/pwk/internal/export"
	"github.com/kmay89/pwk/internal/sandbox"
	"github.com/kmay89/pwk/internal/sealedlog"
	"github.com/kmay89/pwk/internal/sealedsig"
)

type exportBundle struct {
	Artifact export.Artifact `json:"artifact"`
	Receipt  export.Receipt  `json:"receipt"`
}

func main() {
	sandbox.MaybeRunWorker()

	bundlePath := flag.String("bundle", "", "path to an export bundle written by pwk-export-events (required)")
	checkChain := flag.Bool("check-chain", true, "also verify the sealed log's hash chain")
	compat := flag.Bool("compat", false, "accept legacy (pre-domain-separation) signatures during chain verification")
	flag.Parse()

	if *bundlePath == "" {
		fmt.Fprintln(os.Stderr, "Error: -bundle is required")
		flag.Usage()
		os.Exit(2)
	}

	data, err := os.ReadFile(*bundlePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading bundle: %v\n", err)
		os.Exit(1)
	}
	var bundle exportBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding bundle: %v\n", err)
		os.Exit(1)
	}

	if err := export.VerifyArtifactHash(bundle.Artifact, bundle.Receipt); err != nil {
		fmt.Printf("FAIL: artifact hash does not match receipt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK: artifact hash matches receipt")

	if !*checkChain {
		return
	}

	cfg, _, err := config.LoadOrCreate(config.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	store, err := sealedlog.OpenSQLite(cfg.SealedLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening sealed log: %v\n", err)
		os.Exit(1)
	}

	seed, err := os.ReadFile(cfg.SigningKeySeedPath)
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
	engine := sealedlog.NewEngine(store, signer, "pwk-export-verify/1", "", [32]byte{})
	defer engine.Close()

	mode := sealedsig.ModeStrict
	if *compat {
		mode = sealedsig.ModeCompat
	}
	if err := engine.VerifyChain(mode); err != nil {
		fmt.Printf("FAIL: sealed log chain verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK: sealed log chain verifies")
}
