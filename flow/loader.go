package flow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a flow definition from YAML (or JSON, which is valid
// YAML) and validates it. Step IDs may be left off in the document;
// they are filled in from the map keys.
func Parse(data []byte) (*Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, WrapError(CodeFlowInvalid, "cannot parse flow definition", err)
	}
	for key, step := range f.Steps {
		if step != nil && step.ID == "" {
			step.ID = key
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and parses a flow definition from disk.
func LoadFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read flow file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, WrapError(CodeFlowInvalid, "invalid flow file "+path, err)
	}
	return f, nil
}
