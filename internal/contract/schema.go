package contract

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/candidate-event-v1.schema.json
var candidateEventSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		const resourceName = "candidate-event-v1.schema.json"
		if err := compiler.AddResource(resourceName, bytes.NewReader(candidateEventSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("contract: add candidate event schema resource: %w", err)
			return
		}
		s, err := compiler.Compile(resourceName)
		if err != nil {
			schemaErr = fmt.Errorf("contract: compile candidate event schema: %w", err)
			return
		}
		schema = s
	})
	return schema, schemaErr
}

// ValidateWireCandidateEvent checks a raw wire-format (JSON) candidate
// event against the CandidateEvent JSON Schema before it is ever
// unmarshaled into a CandidateEvent struct. This catches malformed
// module output - unexpected fields, out-of-pattern zone ids,
// malformed time buckets - at the transport boundary, ahead of (and
// independent from) Enforce's semantic checks.
func ValidateWireCandidateEvent(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("contract: unmarshal candidate event: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("contract: candidate event schema validation: %w", err)
	}
	return nil
}
