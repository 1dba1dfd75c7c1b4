package core

import "testing"

func validPipeline() PipelineConfig {
	return PipelineConfig{
		ID:   "p1",
		Name: "greeting",
		Nodes: []NodeConfig{
			{ID: "n1", NodeType: NodeTypeLLM},
		},
		Edges: []EdgeDef{
			{Type: EdgeTypeDirect, From: NewSingleEndpoint(EndpointInput), To: NewSingleEndpoint("n1")},
			{Type: EdgeTypeDirect, From: NewSingleEndpoint("n1"), To: NewSingleEndpoint(EndpointOutput)},
		},
	}
}

func TestValidate_ValidPipelineHasNoErrors(t *testing.T) {
	diags := validPipeline().Validate()
	if HasErrors(diags) {
		t.Fatalf("Validate() = %+v, want no error diagnostics", diags)
	}
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	p := validPipeline()
	p.Nodes = append(p.Nodes, NodeConfig{ID: "n1", NodeType: NodeTypeLLM})

	diags := p.Validate()
	if !HasErrors(diags) {
		t.Fatal("Validate() should flag a duplicate node id as an error")
	}
}

func TestValidate_UnknownNodeType(t *testing.T) {
	p := validPipeline()
	p.Nodes[0].NodeType = "not-a-real-type"

	diags := p.Validate()
	if !HasErrors(diags) {
		t.Fatal("Validate() should flag an unknown node_type as an error")
	}
}

func TestValidate_EdgeReferencesUnknownNode(t *testing.T) {
	p := validPipeline()
	p.Edges = append(p.Edges, EdgeDef{Type: EdgeTypeDirect, From: NewSingleEndpoint("n1"), To: NewSingleEndpoint("ghost")})

	diags := p.Validate()
	if !HasErrors(diags) {
		t.Fatal("Validate() should flag an edge referencing an unknown node id")
	}
}

func TestValidate_MissingInputOrOutputEdge(t *testing.T) {
	p := PipelineConfig{
		Nodes: []NodeConfig{{ID: "n1", NodeType: NodeTypeLLM}},
		Edges: []EdgeDef{
			{Type: EdgeTypeDirect, From: NewSingleEndpoint("n1"), To: NewSingleEndpoint("n1")},
		},
	}
	diags := p.Validate()
	if !HasErrors(diags) {
		t.Fatal("Validate() should require at least one edge from input and one edge to output")
	}
}

func TestEdgeEndpoint_SingleVsSetRoundTrip(t *testing.T) {
	single := NewSingleEndpoint("a")
	if single.IsSet() {
		t.Error("a single endpoint should not report IsSet")
	}
	if got := single.AsList(); len(got) != 1 || got[0] != "a" {
		t.Errorf("AsList() = %v, want [a]", got)
	}

	set := NewSetEndpoint("a", "b")
	if !set.IsSet() {
		t.Error("a set endpoint should report IsSet")
	}
	if got := set.AsList(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("AsList() = %v, want [a b]", got)
	}
}

func TestEdgeEndpoint_JSONRoundTrip(t *testing.T) {
	single := NewSingleEndpoint("a")
	data, err := single.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var roundTripped EdgeEndpoint
	if err := roundTripped.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if roundTripped.IsSet() {
		t.Error("a single endpoint should round-trip as non-set")
	}
	if got := roundTripped.AsList(); len(got) != 1 || got[0] != "a" {
		t.Errorf("AsList() after round-trip = %v, want [a]", got)
	}

	set := NewSetEndpoint("a", "b")
	data, err = set.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var roundTrippedSet EdgeEndpoint
	if err := roundTrippedSet.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if !roundTrippedSet.IsSet() {
		t.Error("a set endpoint should round-trip as set even with the original contents")
	}
}

func TestValidate_ConfigSchemaViolation(t *testing.T) {
	if err := RegisterConfigSchema(NodeTypeGate, `{"type":"object","properties":{"threshold":{"type":"number"}},"required":["threshold"]}`); err != nil {
		t.Fatalf("RegisterConfigSchema: %v", err)
	}

	p := validPipeline()
	p.Nodes[0].NodeType = NodeTypeGate
	p.Nodes[0].Config = map[string]any{"threshold": "not-a-number"}

	diags := p.Validate()
	if !HasErrors(diags) {
		t.Fatal("Validate() should flag a node config that fails its registered schema")
	}
}

func TestValidate_ConfigSchemaPasses(t *testing.T) {
	if err := RegisterConfigSchema(NodeTypeGate, `{"type":"object","properties":{"threshold":{"type":"number"}},"required":["threshold"]}`); err != nil {
		t.Fatalf("RegisterConfigSchema: %v", err)
	}

	p := validPipeline()
	p.Nodes[0].NodeType = NodeTypeGate
	p.Nodes[0].Config = map[string]any{"threshold": 0.5}

	diags := p.Validate()
	if HasErrors(diags) {
		t.Fatalf("Validate() = %+v, want no error diagnostics for a config matching its schema", diags)
	}
}

func TestValidate_UnschemaedNodeTypeSkipsConfigCheck(t *testing.T) {
	p := validPipeline()
	p.Nodes[0].Config = map[string]any{"anything": "goes"}

	diags := p.Validate()
	if HasErrors(diags) {
		t.Fatalf("Validate() = %+v, want no error diagnostics when no schema is registered for the node type", diags)
	}
}

func TestExecutionContext_GetSet(t *testing.T) {
	ctx := NewExecutionContext("seed")
	if v, ok := ctx.Get(EndpointInput); !ok || v != "seed" {
		t.Fatalf("Get(input) = %q, %v; want seed, true", v, ok)
	}
	ctx.Set("n1", "output")
	if v, ok := ctx.Get("n1"); !ok || v != "output" {
		t.Fatalf("Get(n1) = %q, %v; want output, true", v, ok)
	}
	if _, ok := ctx.Get("missing"); ok {
		t.Error("Get(missing) should report false")
	}
}
