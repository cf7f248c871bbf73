package gateway

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const initSessionSchema = `{
  "type": "object",
  "required": ["conversation_id"],
  "properties": {
    "conversation_id": {"type": "string", "minLength": 1},
    "project": {"type": "string"},
    "prompt": {"type": "string"}
  }
}`

// tool_input and tool_response are free-form: hooks send objects, strings
// or nothing at all.
const observationSchema = `{
  "type": "object",
  "required": ["tool_name"],
  "properties": {
    "tool_name": {"type": "string", "minLength": 1},
    "tool_input": {},
    "tool_response": {},
    "cwd": {"type": "string"},
    "prompt_number": {"type": "integer", "minimum": 0}
  }
}`

const summarizeSchema = `{
  "type": "object",
  "properties": {
    "last_assistant_message": {"type": "string"}
  }
}`

// requestValidator checks request bodies against a compiled JSON Schema.
type requestValidator struct {
	schema *jsonschema.Schema
}

func compileSchema(name, raw string) (*requestValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator needs for integer checks.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	schema, err := c.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &requestValidator{schema: schema}, nil
}

// Validate parses body and checks it against the schema.
func (v *requestValidator) Validate(body []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

type validators struct {
	initSession *requestValidator
	observation *requestValidator
	summarize   *requestValidator
}

func newValidators() (validators, error) {
	var vs validators
	var err error
	if vs.initSession, err = compileSchema("init_session", initSessionSchema); err != nil {
		return vs, err
	}
	if vs.observation, err = compileSchema("observation", observationSchema); err != nil {
		return vs, err
	}
	if vs.summarize, err = compileSchema("summarize", summarizeSchema); err != nil {
		return vs, err
	}
	return vs, nil
}
