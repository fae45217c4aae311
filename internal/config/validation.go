// Package config handles configuration loading and validation for the
// privacy witness kernel daemon.
package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var trusteeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.BucketSizeS < 300 {
		errs = append(errs, ValidationError{"bucket_size_s", "must be >= 300"})
	}
	if c.StateDir == "" {
		errs = append(errs, ValidationError{"state_dir", "is required"})
	}
	if c.SealedLogPath == "" {
		errs = append(errs, ValidationError{"sealed_log_path", "is required"})
	}
	if c.SigningKeySeedPath == "" {
		errs = append(errs, ValidationError{"signing_key_seed_path", "is required"})
	}
	if c.RetentionSecs <= 0 {
		errs = append(errs, ValidationError{"retention_secs", "must be positive"})
	}
	if c.MaxEventsPerBatch < 1 {
		errs = append(errs, ValidationError{"max_events_per_batch", "must be >= 1"})
	}
	if c.JitterS < 0 {
		errs = append(errs, ValidationError{"jitter_s", "must be >= 0"})
	}
	if c.JitterStepS < 1 {
		errs = append(errs, ValidationError{"jitter_step_s", "must be >= 1"})
	}
	if c.JitterS > 0 && c.JitterStepS > c.JitterS {
		errs = append(errs, ValidationError{"jitter_step_s", "must be <= jitter_s when jitter_s > 0"})
	}
	switch c.BucketKeyMode {
	case BucketKeyModeRandom, BucketKeyModeHierarchical, "":
	default:
		errs = append(errs, ValidationError{"bucketkey_mode", "must be 'random' or 'hierarchical'"})
	}

	if c.Quorum.Threshold < 0 {
		errs = append(errs, ValidationError{"quorum.threshold", "must be >= 0"})
	}
	if c.Quorum.Threshold > len(c.Quorum.Trustees) {
		errs = append(errs, ValidationError{"quorum.threshold", "must be <= number of trustees"})
	}
	seen := make(map[string]bool, len(c.Quorum.Trustees))
	for _, t := range c.Quorum.Trustees {
		if !trusteeIDPattern.MatchString(t.ID) {
			errs = append(errs, ValidationError{"quorum.trustees[].id", fmt.Sprintf("invalid trustee id %q", t.ID)})
			continue
		}
		if seen[t.ID] {
			errs = append(errs, ValidationError{"quorum.trustees[].id", fmt.Sprintf("duplicate trustee id %q", t.ID)})
		}
		seen[t.ID] = true
	}

	switch c.Logging.Format {
	case "text", "json", "":
	default:
		errs = append(errs, ValidationError{"logging.format", "must be 'text' or 'json'"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
