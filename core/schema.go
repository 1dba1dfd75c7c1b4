package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	configSchemaMu sync.RWMutex
	configSchemas  = map[NodeType]*jsonschema.Schema{}
)

// RegisterConfigSchema compiles schemaJSON and associates it with nodeType,
// so every node of that type has its Config blob checked during
// PipelineConfig.Validate. Re-registering a NodeType replaces its schema.
func RegisterConfigSchema(nodeType NodeType, schemaJSON string) error {
	compiled, err := jsonschema.CompileString(string(nodeType)+".schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compile config schema for node type %q: %w", nodeType, err)
	}
	configSchemaMu.Lock()
	configSchemas[nodeType] = compiled
	configSchemaMu.Unlock()
	return nil
}

// validateConfig checks config against the schema registered for nodeType,
// if any. A node type with no registered schema always validates; Config
// is free-form JSON for those types.
func validateConfig(nodeType NodeType, config map[string]any) error {
	configSchemaMu.RLock()
	schema, ok := configSchemas[nodeType]
	configSchemaMu.RUnlock()
	if !ok {
		return nil
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode node config: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode node config: %w", err)
	}
	return schema.Validate(decoded)
}
