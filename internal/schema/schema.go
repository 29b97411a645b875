// Package schema compiles and validates JSON Schemas, used wherever a
// subsystem must reject a malformed structured payload rather than guess
// at partial data: the Consolidator's {summary, memories} extraction, the
// voice-assistant webhook's intent+slots payload, the enterprise webhook's
// card-button callback, and the telephony lifecycle envelope. One shared
// compile/validate helper over "validate any named JSON Schema" instead of
// a validator per call site, since four unrelated payload shapes need the
// same treatment here.
package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles one JSON Schema and validates documents against it.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile parses and compiles a JSON Schema document.
func Compile(name string, schemaJSON []byte) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{schema: compiled}, nil
}

// ValidateBytes validates a raw JSON document against the compiled schema.
func (v *Validator) ValidateBytes(doc []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return v.Validate(parsed)
}

// Validate validates an already-decoded document (as returned by
// jsonschema.UnmarshalJSON or json.Unmarshal into any) against the schema.
func (v *Validator) Validate(doc any) error {
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
