// Package resolver implements the model resolution priority chain spec.md
// §4.2 specifies: a run-scoped override, then the node's own static model,
// then the engine default. Resolution never fails — in ResolveConfig, a
// resolved model id absent from the known set silently falls back to the
// engine default, which is a deliberate policy, not an oversight.
package resolver

import "github.com/pipelex/pipelex/core"

// Resolve returns the model to use for node, given the per-run override map
// (keyed by node id), the node's own config, and the engine's default
// model. Lookup order: overrides[node.ID] -> node.Model -> fallback.
func Resolve(node core.NodeConfig, overrides map[string]string, fallback string) string {
	if m, ok := overrides[node.ID]; ok && m != "" {
		return m
	}
	if node.Model != "" {
		return node.Model
	}
	return fallback
}

// ResolveConfig resolves a node to a full ModelConfig looked up by id from
// the known set. An override or node model naming an id present in known
// resolves to that entry's full config (api_base included); one naming an
// id absent from known, like an entirely unresolved node, falls through to
// fallback, matching the "never fails" policy spec.md §4.2 requires.
func ResolveConfig(node core.NodeConfig, overrides map[string]string, known map[string]core.ModelConfig, fallback core.ModelConfig) core.ModelConfig {
	id := Resolve(node, overrides, fallback.ID)
	if cfg, ok := known[id]; ok {
		return cfg
	}
	return fallback
}
