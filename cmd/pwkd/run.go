package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kmay89/pwk/internal/bucketkey"
	"github.com/kmay89/pwk/internal/config"
	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/detect"
	"github.com/kmay89/pwk/internal/logging"
	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/sandbox"
	"github.com/kmay89/pwk/internal/sealedlog"
	"github.com/kmay89/pwk/internal/zonepolicy"
)

// featureWorkerName is the sandboxed worker that reduces a module's raw
// feature bytes to a one-way digest. It never touches the filesystem
// or network, so running it in the sandbox child costs nothing beyond
// the reexec overhead.
const featureWorkerName = "frame-features"

func init() {
	sandbox.Register(featureWorkerName, func(input []byte) ([]byte, error) {
		sum := sha256.Sum256(input)
		return sum[:], nil
	})
}

// ingestFrame is the newline-delimited JSON shape pwkd run reads from
// stdin: one candidate observation per line, already reduced to
// feature bytes by the module upstream of the kernel boundary.
type ingestFrame struct {
	EventType  int     `json:"event_type"`
	ZoneID     string  `json:"zone_id"`
	Confidence float32 `json:"confidence"`
	EpochS     uint64  `json:"epoch_s"`
	Features   []byte  `json:"features"`
	Correlated bool    `json:"correlated"`
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	rulesetID := fs.String("ruleset-id", defaultRulesetID, "ruleset id events are bound to")
	moduleID := fs.String("module-id", "pwkd-ingest", "module id stdin frames are attributed to")
	retention := fs.Duration("retention", 0, "override the configured sealed-log retention window")
	fs.Parse(os.Args[2:])

	cfg, _, err := config.LoadOrCreate(config.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating state directories: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(loggingConfigFrom(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logging.SetDefault(log)

	engine, _, err := openEngine(cfg, kernelVersion, *rulesetID)
	if err != nil {
		log.Error("open sealed log", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	watcher, policy, err := zonepolicy.NewWatcher(cfg.ZoneAllowlistPath)
	if err != nil {
		log.Error("load zone allowlist", "error", err)
		os.Exit(1)
	}
	if err := watcher.Start(); err != nil {
		log.Error("start zone allowlist watcher", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	var bkMgr *bucketkey.Manager
	switch cfg.BucketKeyMode {
	case config.BucketKeyModeHierarchical:
		seed, err := loadOrCreateDeviceSeed(cfg.SigningKeySeedPath)
		if err != nil {
			log.Error("load device key seed for hierarchical bucket keys", "error", err)
			os.Exit(1)
		}
		bkMgr, err = bucketkey.NewHierarchical(seed)
		if err != nil {
			log.Error("init hierarchical bucket key manager", "error", err)
			os.Exit(1)
		}
	default:
		bkMgr = bucketkey.NewRandom()
	}
	defer bkMgr.Close()

	rulesetHash := contract.RulesetHashFromID(*rulesetID)

	desc := contract.ModuleDescriptor{
		ID: *moduleID,
		AllowedEventTypes: []contract.EventType{
			contract.EventTypeBoundaryCrossingObjectLarge,
			contract.EventTypeBoundaryCrossingObjectSmall,
		},
		SupportedBackends: []string{"stub-motion"},
	}
	if err := contract.ValidateDescriptor(desc); err != nil {
		log.Error("module descriptor rejected", "error", err)
		os.Exit(1)
	}

	backends := detect.NewRegistry()
	if err := backends.Register(detect.NewStubBackend()); err != nil {
		log.Error("register detection backend", "error", err)
		os.Exit(1)
	}
	backend, err := backends.BackendForPreferred(desc.SupportedBackends, detect.CapabilityMotion)
	if err != nil {
		log.Error("select detection backend", "error", err)
		os.Exit(1)
	}
	log.Info("detection backend selected", "backend", backend.Name())

	retentionWindow := time.Duration(cfg.RetentionSecs) * time.Second
	if *retention > 0 {
		retentionWindow = *retention
	}

	log.Info("pwkd run starting", "ruleset_id", *rulesetID, "module_id", *moduleID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	processed := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame ingestFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			log.Warn("discarding malformed ingest line", "error", err)
			continue
		}

		if err := processFrame(engine, policy, bkMgr, desc, frame, cfg.BucketSizeS, *rulesetID, rulesetHash); err != nil {
			log.Warn("candidate rejected", "error", err)
		}

		processed++
		if processed%100 == 0 {
			if err := engine.EnforceRetentionWithCheckpoint(time.Now(), retentionWindow); err != nil {
				log.Warn("retention enforcement failed", "error", err)
			}
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		log.Error("reading stdin", "error", err)
		os.Exit(1)
	}

	if err := engine.EnforceRetentionWithCheckpoint(time.Now(), retentionWindow); err != nil {
		log.Warn("final retention enforcement failed", "error", err)
	}
	log.Info("pwkd run exiting", "processed", processed)
}

func processFrame(
	engine *sealedlog.Engine,
	policy *zonepolicy.Policy,
	bkMgr *bucketkey.Manager,
	desc contract.ModuleDescriptor,
	frame ingestFrame,
	bucketSizeS uint32,
	rulesetID string,
	rulesetHash [32]byte,
) error {
	bucket, err := pwktime.Now(frame.EpochS, bucketSizeS)
	if err != nil {
		return fmt.Errorf("coarsen frame epoch: %w", err)
	}

	if err := bkMgr.RotateIfNeeded(bucket); err != nil {
		return fmt.Errorf("rotate bucket key: %w", err)
	}

	cand := contract.CandidateEvent{
		EventType:  contract.EventType(frame.EventType),
		TimeBucket: bucket,
		ZoneID:     frame.ZoneID,
		Confidence: frame.Confidence,
	}

	if frame.Correlated && len(frame.Features) > 0 {
		featuresHash, err := reduceFeatures(frame.Features)
		if err != nil {
			return fmt.Errorf("reduce features: %w", err)
		}
		token, err := bkMgr.TokenForFeatures(featuresHash)
		if err != nil {
			return fmt.Errorf("derive correlation token: %w", err)
		}
		ct := contract.CorrelationToken(token)
		cand.CorrelationToken = &ct
	}

	wire, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("marshal candidate event for schema validation: %w", err)
	}
	if err := contract.ValidateWireCandidateEvent(wire); err != nil {
		return fmt.Errorf("candidate event schema validation: %w", err)
	}

	_, err = contract.AppendEventChecked(engine, policy, desc, cand, kernelVersion, rulesetID, rulesetHash)
	return err
}

// reduceFeatures hashes raw feature bytes inside the sandbox worker
// when available, falling back to an in-process digest on platforms
// with no sandbox backend - the digest is the same either way, only
// the isolation differs.
func reduceFeatures(features []byte) ([32]byte, error) {
	var out [32]byte
	resp, err := sandbox.Run(featureWorkerName, features)
	if err == nil {
		copy(out[:], resp)
		return out, nil
	}
	if !errors.Is(err, sandbox.ErrUnavailable) {
		return out, err
	}
	return sha256.Sum256(features), nil
}
