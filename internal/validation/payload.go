package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/atlasfit/automation/pkg/schema"
)

// Built-in payload schemas, embedded as constants to avoid filesystem
// dependencies. Each job type declares the shape its handler expects.
const (
	singleItemSchemaJSON = `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "required": ["item_id"],
	  "properties": {
	    "item_id": { "type": "string", "minLength": 1 },
	    "force": { "type": "boolean" }
	  },
	  "additionalProperties": true
	}`

	bulkItemsSchemaJSON = `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "anyOf": [
	    { "required": ["item_ids"] },
	    { "required": ["items"] }
	  ],
	  "properties": {
	    "item_ids": {
	      "type": "array",
	      "minItems": 1,
	      "items": { "type": "string", "minLength": 1 }
	    },
	    "items": {
	      "type": "array",
	      "minItems": 1
	    }
	  },
	  "additionalProperties": true
	}`

	scheduledRefreshSchemaJSON = `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "properties": {
	    "scope": { "type": "string" }
	  },
	  "additionalProperties": true
	}`

	cleanupSchemaJSON = `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "required": ["retention_days"],
	  "properties": {
	    "retention_days": { "type": "integer", "minimum": 1 }
	  },
	  "additionalProperties": true
	}`
)

// PayloadValidator validates job payloads against per-type JSON Schemas
// (Draft 2020-12). Safe for concurrent use.
type PayloadValidator struct {
	mu      sync.RWMutex
	schemas map[schema.JobType]*jsonschema.Schema
	serial  int
}

// NewPayloadValidator creates a validator with the built-in job type schemas
// pre-compiled.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{
		schemas: make(map[schema.JobType]*jsonschema.Schema),
	}
	builtins := map[schema.JobType]string{
		schema.JobTypeSingleItem:       singleItemSchemaJSON,
		schema.JobTypeBulkItems:        bulkItemsSchemaJSON,
		schema.JobTypeScheduledRefresh: scheduledRefreshSchemaJSON,
		schema.JobTypeCleanup:          cleanupSchemaJSON,
	}
	for jobType, raw := range builtins {
		if err := v.RegisterSchema(jobType, []byte(raw)); err != nil {
			return nil, fmt.Errorf("compile %s payload schema: %w", jobType, err)
		}
	}
	return v, nil
}

// RegisterSchema binds a payload schema to a job type, replacing any previous
// binding. Callers registering custom handlers use this to get the same
// validation built-in types enjoy.
func (v *PayloadValidator) RegisterSchema(jobType schema.JobType, schemaBytes []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaBytes)))
	if err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Each schema gets a unique URL to avoid collisions in the compiler.
	v.serial++
	url := fmt.Sprintf("automation://payload-schema/%s/%d", jobType, v.serial)

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	v.schemas[jobType] = compiled
	return nil
}

// ValidatePayload checks a job payload against its type's schema.
// Types without a registered schema accept any payload.
func (v *PayloadValidator) ValidatePayload(jobType schema.JobType, payload json.RawMessage) error {
	v.mu.RLock()
	compiled, ok := v.schemas[jobType]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	raw := payload
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"payload for %s is not valid JSON", jobType).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toAutomationError(err)
	}
	return nil
}

// toAutomationError converts a jsonschema.ValidationError into an
// AutomationError with clear, actionable messages.
func toAutomationError(err error) *schema.AutomationError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
