package enginetests

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"k8s.io/examples/AI/modelforge/pkg/engine"
	"k8s.io/examples/AI/modelforge/pkg/engine/reference"
	"k8s.io/examples/AI/modelforge/pkg/ionames"
	"k8s.io/examples/AI/modelforge/pkg/schema"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

func addLayout() *schema.Layout {
	l := schema.NewLayout("adder")
	l.Inputs = append(l.Inputs,
		schema.Input{Name: "x", DType: schema.Float32, Shape: []int{-1}, Domain: schema.DomainData},
		schema.Input{Name: "y", DType: schema.Float32, Shape: []int{-1}, Domain: schema.DomainData},
	)
	l.Outputs = append(l.Outputs, schema.Output{Name: "add_result"}, schema.Output{Name: "probs"})
	l.Layers = append(l.Layers,
		schema.Layer{Type: schema.LayerAdd, Params: map[string]schema.Value{
			"input_names": schema.Strings("x", "y"),
			"output_name": schema.String("add_result"),
		}},
		schema.Layer{Type: schema.LayerActivation, Params: map[string]schema.Value{
			"input_name":  schema.String("add_result"),
			"activation":  schema.String("softmax"),
			"output_name": schema.String("probs"),
		}},
	)
	return l
}

func addNames() *ionames.IOMap {
	m := ionames.New()
	m.AddInput("x", "serving_default_x:0")
	m.AddInput("y", "serving_default_y:0")
	m.AddOutput("StatefulPartitionedCall:0", "add_result")
	m.AddOutput("StatefulPartitionedCall:1", "probs")
	return m
}

func TestEngine(t *testing.T) {
	g, err := reference.NewGraph(addLayout(), addNames())
	if err != nil {
		t.Fatalf("failed to create graph: %v", err)
	}

	inputs := []engine.NamedTensor{
		{Name: "serving_default_x:0", Tensor: tensor.New([]float32{3, 7, 1})},
		{Name: "serving_default_y:0", Tensor: tensor.New([]float32{4, 2, 8})},
	}
	results, err := g.Run(context.Background(), inputs, []string{"StatefulPartitionedCall:0", "StatefulPartitionedCall:1"})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}

	t.Logf("results: %v", results)

	if err := g.Close(); err != nil {
		t.Fatalf("failed to close graph: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !FloatingPointEqual(results[0].Values, []float32{7, 9, 9}) {
		t.Errorf("expected [7 9 9], got %+v", results[0].Values)
	}
	expected := []float32{0.06337894, 0.46831053, 0.46831053}
	if !FloatingPointEqual(results[1].Values, expected) {
		t.Errorf("expected %+v, got %+v", expected, results[1].Values)
	}

	if _, err := g.Run(context.Background(), inputs, []string{"StatefulPartitionedCall:0"}); err == nil {
		t.Errorf("expected error running a closed graph")
	}
}

func TestEngineSubsetOfOutputs(t *testing.T) {
	g, err := reference.NewGraph(addLayout(), addNames())
	if err != nil {
		t.Fatalf("failed to create graph: %v", err)
	}
	results, err := g.Run(context.Background(), []engine.NamedTensor{
		{Name: "serving_default_x:0", Tensor: tensor.New([]float32{1, 2})},
		{Name: "serving_default_y:0", Tensor: tensor.New([]float32{10})},
	}, []string{"StatefulPartitionedCall:0"})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if !FloatingPointEqual(results[0].Values, []float32{11, 12}) {
		t.Errorf("expected broadcast add [11 12], got %+v", results[0].Values)
	}
}

func TestEngineErrors(t *testing.T) {
	g, err := reference.NewGraph(addLayout(), addNames())
	if err != nil {
		t.Fatalf("failed to create graph: %v", err)
	}
	ctx := context.Background()
	x := engine.NamedTensor{Name: "serving_default_x:0", Tensor: tensor.New([]float32{1, 2, 3})}

	if _, err := g.Run(ctx, []engine.NamedTensor{x}, []string{"StatefulPartitionedCall:0"}); err == nil {
		t.Errorf("expected error for missing input")
	}
	if _, err := g.Run(ctx, []engine.NamedTensor{x, {Name: "nope", Tensor: x.Tensor}}, nil); err == nil {
		t.Errorf("expected error for unknown input")
	}
	if _, err := g.Run(ctx, []engine.NamedTensor{
		x, {Name: "serving_default_y:0", Tensor: tensor.New([]float32{1, 2})},
	}, []string{"StatefulPartitionedCall:0"}); err == nil {
		t.Errorf("expected shape mismatch")
	}
}

func TestNewGraphRejects(t *testing.T) {
	dense := addLayout()
	dense.Layers = append(dense.Layers, schema.Layer{Type: schema.LayerDense, Params: map[string]schema.Value{
		"input_name": schema.String("x"),
		"units":      schema.Number(4),
	}})
	if _, err := reference.NewGraph(dense, addNames()); err == nil {
		t.Errorf("expected Dense layer to be rejected")
	}

	dangling := addLayout()
	dangling.Layers[0].Params["input_names"] = schema.Strings("x", "missing")
	if _, err := reference.NewGraph(dangling, addNames()); err == nil {
		t.Errorf("expected unreachable output to be rejected")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	root := t.TempDir()
	if err := addLayout().WriteToFile(filepath.Join(root, "model_description.json")); err != nil {
		t.Fatalf("writing layout: %v", err)
	}
	dir := filepath.Join(root, "Saved_0")
	if err := addNames().WriteFile(dir); err != nil {
		t.Fatalf("writing io names: %v", err)
	}

	g, err := (&reference.Engine{}).Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	defer g.Close()

	results, err := g.Run(context.Background(), []engine.NamedTensor{
		{Name: "serving_default_x:0", Tensor: tensor.New([]float32{3, 7, 1})},
		{Name: "serving_default_y:0", Tensor: tensor.New([]float32{4, 2, 8})},
	}, []string{"StatefulPartitionedCall:0"})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if !FloatingPointEqual(results[0].Values, []float32{7, 9, 9}) {
		t.Errorf("expected [7 9 9], got %+v", results[0].Values)
	}

	if _, err := (&reference.Engine{}).Load(context.Background(), t.TempDir()); err == nil {
		t.Errorf("expected error loading a directory without a model description")
	}
}

func TestBuildDAGOrder(t *testing.T) {
	scope := fakeScope{
		"c": {"a", "b"},
		"b": {"a"},
		"a": nil,
		"d": {"e"},
	}
	order, err := engine.BuildDAG(scope, []engine.NodeID{"c"})
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	position := make(map[engine.NodeID]int)
	for i, id := range order {
		position[id] = i
	}
	if !(position["a"] < position["b"] && position["b"] < position["c"]) {
		t.Errorf("unexpected order %v", order)
	}

	if _, err := engine.BuildDAG(scope, []engine.NodeID{"d"}); err == nil {
		t.Errorf("expected d to be unreachable")
	}
}

type fakeScope map[engine.NodeID][]engine.NodeID

type fakeNode struct {
	id   engine.NodeID
	deps []engine.NodeID
}

func (n fakeNode) NodeID() engine.NodeID { return n.id }
func (n fakeNode) Dependencies() []engine.NodeID { return n.deps }

func (s fakeScope) AllNodes() map[engine.NodeID]engine.Node {
	nodes := make(map[engine.NodeID]engine.Node, len(s))
	for id, deps := range s {
		nodes[id] = fakeNode{id: id, deps: deps}
	}
	return nodes
}

func FloatingPointEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, value := range a {
		if math.Abs(float64(value-b[i])) > 0.00001 {
			return false
		}
	}
	return true
}
