package state

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSchemaFile reads and validates a YAML schema file.
func LoadSchemaFile(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("reading schema file: %w", err)
	}
	return ParseSchema(data)
}

// ParseSchema decodes and validates a YAML (or JSON) schema document.
func ParseSchema(data []byte) (Schema, error) {
	var schema Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return Schema{}, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	if err := schema.Validate(); err != nil {
		return Schema{}, err
	}
	schema.normalizeGuards()
	return schema, nil
}
