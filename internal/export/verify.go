package export

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// VerifyArtifactHash recomputes artifact's canonical JSON hash and
// checks it against receipt's recorded artifact hash. This is the
// cheap half of verifying an export run: it confirms the artifact a
// verifier holds is the exact one the sealed log receipted, without
// needing chain access. Full chain-of-custody verification (that the
// receipt itself is an untampered, validly signed sealed-log entry)
// is sealedlog.Engine.VerifyChain's job.
func VerifyArtifactHash(artifact Artifact, receipt Receipt) error {
	artifactBytes, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("export: marshal artifact for verification: %w", err)
	}
	got := sha256.Sum256(artifactBytes)
	if got != receipt.ArtifactHash {
		return fmt.Errorf("export: artifact hash mismatch: receipt does not match artifact")
	}
	return nil
}
