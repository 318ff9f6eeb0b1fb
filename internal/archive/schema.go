package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const manifestSchemaJSON = `{
  "type": "object",
  "required": ["registration"],
  "properties": {
    "registration": {
      "type": "object",
      "required": ["description", "abbreviation"],
      "properties": {
        "description": {"type": "string", "minLength": 1},
        "abbreviation": {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,16}$"}
      }
    },
    "kind": {"type": "string", "minLength": 1},
    "timeout_ms": {"type": "integer", "minimum": 0},
    "settings": {"type": "object"},
    "wasm": {"type": "string"}
  }
}`

var manifestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal manifest schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return schema, nil
})

// validateManifest checks a decoded YAML document against the manifest
// schema. The document is round-tripped through JSON so numbers reach the
// validator as json.Number.
func validateManifest(doc any) error {
	schema, err := manifestSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	return schema.Validate(inst)
}
