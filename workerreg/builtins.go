package workerreg

import (
	"context"
	"fmt"

	"github.com/pipelex/pipelex/core"
)

// workerConfigSchema constrains the Config blob on worker nodes: an
// optional timeout_ms and an optional max_tool_calls, each a non-negative
// integer. Only their shape is checked; the engine's worker handler does
// not read either field, so every bound tool runs under the run's context.
const workerConfigSchema = `{
	"type": "object",
	"properties": {
		"timeout_ms": {"type": "integer", "minimum": 0},
		"max_tool_calls": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": true
}`

func init() {
	if err := core.RegisterConfigSchema(core.NodeTypeWorker, workerConfigSchema); err != nil {
		panic(err)
	}
}

// registerBuiltins registers the three capability ids spec.md names as
// examples of externally-supplied worker implementations: search, email,
// general. Their concrete behavior lives outside the core (the core only
// needs a place to borrow a handle from); these defaults report that no
// real backend is wired, rather than silently no-opping, so a pipeline
// author notices a worker node has nothing behind it.
func registerBuiltins(r *Registry) {
	r.Register("search", unconfigured("search"))
	r.Register("email", unconfigured("email"))
	r.Register("general", unconfigured("general"))
}

func unconfigured(id string) Capability {
	return CapabilityFunc(func(_ context.Context, _ string) (string, error) {
		return "", fmt.Errorf("workerreg: capability %q has no backend configured", id)
	})
}
