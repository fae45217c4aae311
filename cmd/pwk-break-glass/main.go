// pwk-break-glass runs the trustee quorum check for one incident
// operator's request to unlock raw-media export, and on a granted
// outcome writes a single-use token file that pwk-export-events can
// later consume.
//
// Usage:
//
//	pwk-break-glass -vault-envelope-id incident-42 -purpose "legal hold" \
//	    -approval trustee-a.json -approval trustee-b.json -output token.json
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kmay89/pwk/internal/breakglass"
	"github.com/kmay89/pwk/internal/config"
	"github.com/kmay89/pwk/internal/contract"
	"github.com/kmay89/pwk/internal/pwktime"
	"github.com/kmay89/pwk/internal/sandbox"
	"github.com/kmay89/pwk/internal/sealedlog"
	"github.com/kmay89/pwk/internal/sealedsig"
)

// approvalList collects repeated -approval flags into a slice of file
// paths, one per trustee.
type approvalList []string

func (a *approvalList) String() string { return fmt.Sprint([]string(*a)) }
func (a *approvalList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

// approvalFile is the on-disk shape a trustee hands back after signing
// the request hash out of band: the trustee id and their ed25519
// signature over that hash, both hex-encoded except the id.
type approvalFile struct {
	Trustee   string `json:"trustee"`
	Signature string `json:"signature"`
}

func main() {
	sandbox.MaybeRunWorker()

	var approvals approvalList
	vaultEnvelopeID := flag.String("vault-envelope-id", "", "vault envelope id to unlock (required)")
	purpose := flag.String("purpose", "", "human-readable justification for the unlock (required)")
	rulesetID := flag.String("ruleset-id", "ruleset:v0.1", "ruleset id the request is bound to")
	output := flag.String("output", "token.json", "path to write the minted token file")
	flag.Var(&approvals, "approval", "path to a trustee approval file (repeatable)")
	flag.Parse()

	if *vaultEnvelopeID == "" || *purpose == "" {
		fmt.Fprintln(os.Stderr, "Error: -vault-envelope-id and -purpose are required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, _, err := config.LoadOrCreate(config.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	policy, err := quorumPolicyFromConfig(cfg.Quorum)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building quorum policy: %v\n", err)
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

	store, err := sealedlog.OpenSQLite(cfg.SealedLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening sealed log: %v\n", err)
		os.Exit(1)
	}
	signer := sealedlog.NewEntrySigner(devicePriv)
	rulesetHash := contract.RulesetHashFromID(*rulesetID)
	engine := sealedlog.NewEngine(store, signer, "pwk-break-glass/1", *rulesetID, rulesetHash)
	defer engine.Close()

	bucket, err := pwktime.Now(uint64(time.Now().Unix()), cfg.BucketSizeS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error computing time bucket: %v\n", err)
		os.Exit(1)
	}

	request, err := breakglass.NewUnlockRequest(*vaultEnvelopeID, rulesetHash, *purpose, bucket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building unlock request: %v\n", err)
		os.Exit(1)
	}

	requestHash := request.RequestHash()
	fmt.Printf("Request hash (share this with trustees): %s\n", hex.EncodeToString(requestHash[:]))

	approved, err := loadApprovals(approvals, requestHash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading approvals: %v\n", err)
		os.Exit(1)
	}

	manager := breakglass.NewManager(policy, devicePriv, engine, nil, cfg.BucketSizeS, nil)
	outcome, token, err := manager.Authorize(request, approved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error authorizing request: %v\n", err)
		os.Exit(1)
	}

	if !outcome.Granted {
		fmt.Printf("Denied: %s\n", outcome.Reason)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(token.ToFile(), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding token: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*output, data, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing token file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Granted. Token written to %s\n", *output)
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

func loadApprovals(paths []string, requestHash [32]byte) ([]breakglass.Approval, error) {
	approvals := make([]breakglass.Approval, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var af approvalFile
		if err := json.Unmarshal(data, &af); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		sig, err := hex.DecodeString(af.Signature)
		if err != nil {
			return nil, fmt.Errorf("%s: decode signature: %w", path, err)
		}
		approvals = append(approvals, breakglass.Approval{
			Trustee:     breakglass.NewTrusteeID(af.Trustee),
			RequestHash: requestHash,
			Signature:   sig,
		})
	}
	return approvals, nil
}
