package main

import (
	"fmt"
	"os"

	"github.com/kmay89/pwk/internal/config"
	"github.com/kmay89/pwk/internal/sealedsig"
)

func cmdStatus() {
	cfg, created, err := config.LoadOrCreate(config.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("config:             %s", config.ConfigPath())
	if created {
		fmt.Print(" (just created)")
	}
	fmt.Println()
	fmt.Printf("state_dir:          %s\n", cfg.StateDir)
	fmt.Printf("sealed_log_path:    %s\n", cfg.SealedLogPath)
	fmt.Printf("bucket_size_s:      %d\n", cfg.BucketSizeS)
	fmt.Printf("retention_secs:     %d\n", cfg.RetentionSecs)
	fmt.Printf("bucketkey_mode:     %s\n", cfg.BucketKeyMode)
	fmt.Printf("quorum:             %d-of-%d\n", cfg.Quorum.Threshold, len(cfg.Quorum.Trustees))
	if cfg.PQScheme != "" {
		if _, ok := sealedsig.Lookup(cfg.PQScheme); ok {
			fmt.Printf("pq_scheme:          %s (registered)\n", cfg.PQScheme)
		} else {
			fmt.Printf("pq_scheme:          %s (UNKNOWN - not registered)\n", cfg.PQScheme)
		}
	} else {
		fmt.Println("pq_scheme:          (none)")
	}
	fmt.Printf("tpm_attestation:    %t\n", cfg.TPMAttestation)

	if _, err := os.Stat(cfg.SealedLogPath); err != nil {
		fmt.Println("sealed_log:         not yet created (run 'pwkd init')")
		return
	}

	engine, _, err := openEngine(cfg, kernelVersion, defaultRulesetID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening sealed log: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.VerifyChain(sealedsig.ModeStrict); err != nil {
		fmt.Printf("sealed_log:         present, chain verification FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("sealed_log:         present, chain verifies")
}
