package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry maps event type to an optional JSON Schema validator
// (§4.2). A missing schema is not an error — Validate degrades to
// "accept any payload".
type SchemaRegistry struct {
	mu         sync.RWMutex
	validators map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry. Use LoadDir to populate
// it from a directory of JSON Schema documents, or Register for
// programmatic registration.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{validators: map[string]*jsonschema.Schema{}}
}

// LoadDir compiles one schema per "<event-type>.json" file found
// (non-recursively) in dir, keyed by filename stem. A missing or empty
// dir is not an error — it simply yields a registry with no schemas,
// i.e. "accept any payload" for every type.
func LoadDir(dir string) (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	if dir == "" {
		return reg, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read schema dir %s: %w", dir, err)
	}
	compiler := jsonschema.NewCompiler()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		eventType := strings.TrimSuffix(entry.Name(), ".json")
		path := filepath.Join(dir, entry.Name())
		schema, err := compiler.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", path, err)
		}
		reg.validators[eventType] = schema
	}
	return reg, nil
}

// Register installs a pre-compiled schema for eventType, overriding
// any schema previously loaded or registered for that type.
func (r *SchemaRegistry) Register(eventType string, schema *jsonschema.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[eventType] = schema
}

// Validate checks payload against the schema registered for eventType.
// Returns nil when no schema is registered.
func (r *SchemaRegistry) Validate(eventType string, payload map[string]any) error {
	r.mu.RLock()
	schema, ok := r.validators[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(payload); err != nil {
		return NewSchemaInvalidError(eventType, err)
	}
	return nil
}
