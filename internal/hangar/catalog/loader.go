package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultDocument []byte

//go:embed catalog.schema.json
var schemaDocument string

var documentSchema = jsonschema.MustCompileString("catalog.schema.json", schemaDocument)

type document struct {
	Agents []Template `yaml:"agents"`
}

// Parse validates a YAML catalog document against the embedded JSON schema
// and builds a Static catalog from it.
func Parse(data []byte) (*Static, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	// The schema validator expects JSON-shaped values (float64 numbers,
	// string-keyed maps), so round-trip through encoding/json.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog: normalise: %w", err)
	}
	var generic any
	if err := json.Unmarshal(asJSON, &generic); err != nil {
		return nil, fmt.Errorf("catalog: normalise: %w", err)
	}
	if err := documentSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("catalog: invalid document: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(doc.Agents...)
}

// LoadFile reads and parses the catalog at path.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the catalog compiled into the binary.
func Default() (*Static, error) {
	return Parse(defaultDocument)
}
