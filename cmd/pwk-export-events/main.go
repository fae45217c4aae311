// pwk-export-events reads the break-glass token minted by
// pwk-break-glass, consumes it to authorize one export run, and writes
// the resulting jittered, batched artifact to a file.
//
// Usage:
//
//	pwk-export-events -token token.json -output events.json
package main

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kmay89/pwk/internal/breakglass"
	"github.com/kmay89/pwk/internal/config"
	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/export"
	"github.com/kmay89/pwk/internal/sandbox"
	"github.com/kmay89/pwk/internal/sealedlog"
	"github.com/kmay89/pwk/internal/sealedsig"
)

func main() {
	sandbox.MaybeRunWorker()

	tokenPath := flag.String("token", "", "path to a break-glass token file (required)")
	output := flag.String("output", "export.json", "path to write the export artifact")
	rulesetID := flag.String("ruleset-id", "ruleset:v0.1", "ruleset id events must be bound to")
	maxEventsPerBatch := flag.Int("max-events-per-batch", 0, "override the configured max events per batch")
	jitterS := flag.Uint64("jitter-s", 0, "override the configured jitter window in seconds")
	jitterStepS := flag.Uint64("jitter-step-s", 0, "override the configured jitter step in seconds")
	flag.Parse()

	if *tokenPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -token is required")
		flag.Usage()
		os.Exit(2)
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

	rulesetHash := contract.RulesetHashFromID(*rulesetID)
	signer := sealedlog.NewEntrySigner(devicePriv)
	engine := sealedlog.NewEngine(store, signer, "pwk-export-events/1", *rulesetID, rulesetHash)
	defer engine.Close()

	tokenData, err := os.ReadFile(*tokenPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading token file: %v\n", err)
		os.Exit(1)
	}
	var tf breakglass.TokenFile
	if err := json.Unmarshal(tokenData, &tf); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding token file: %v\n", err)
		os.Exit(1)
	}
	token := breakglass.TokenFromFile(tf, engine, nil)

	if err := token.Validate(export.EnvelopeID, rulesetHash); err != nil {
		fmt.Fprintf(os.Stderr, "Error: token validation failed: %v\n", err)
		os.Exit(1)
	}

	options := export.DefaultOptions()
	if *maxEventsPerBatch > 0 {
		options.MaxEventsPerBatch = *maxEventsPerBatch
	}
	if *jitterS > 0 {
		options.JitterS = *jitterS
	}
	if *jitterStepS > 0 {
		options.JitterStepS = *jitterStepS
	}

	seed1, seed2, err := rngSeeds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error seeding jitter rng: %v\n", err)
		os.Exit(1)
	}
	pipeline := export.NewPipeline(engine, engine, seed1, seed2)

	artifact, receipt, err := pipeline.Run(rulesetHash, options, uint64(time.Now().Unix()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running export: %v\n", err)
		os.Exit(1)
	}

	if err := token.Consume(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: token consume failed: %v\n", err)
		os.Exit(1)
	}

	bundle := exportBundle{Artifact: artifact, Receipt: receipt}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding artifact: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*output, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing artifact: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Exported %d batch(es) to %s\n", len(artifact.Batches), *output)
}

// exportBundle pairs an artifact with the receipt committing to its
// hash, so pwk-export-verify can check both from one file without a
// second round trip to the sealed log.
type exportBundle struct {
	Artifact export.Artifact `json:"artifact"`
	Receipt  export.Receipt  `json:"receipt"`
}

func rngSeeds() (uint64, uint64, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16]), nil
}
