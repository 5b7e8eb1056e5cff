package reference

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sync/atomic"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/engine"
	"k8s.io/examples/AI/modelforge/pkg/ionames"
	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/schema"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

const layoutFile = "model_description.json"

var activations = []string{"linear", "relu", "sigmoid", "tanh", "softmax"}

// Engine evaluates layouts made only of weight-free layers (Add, Multiply, Activation,
// Flatten, Dropout) directly from the model description in a version directory.
type Engine struct{}

var _ engine.Loader = &Engine{}

// Load reads model_description.json from dir, or from its parent, and the io names sidecar
// from dir when present. Without a sidecar the logical names are used as graph names.
func (e *Engine) Load(ctx context.Context, dir string) (engine.Graph, error) {
	const op = "reference.Load"
	log := klog.FromContext(ctx)

	var layout *schema.Layout
	var err error
	for _, path := range []string{filepath.Join(dir, layoutFile), filepath.Join(filepath.Dir(dir), layoutFile)} {
		layout, err = schema.ReadLayoutFile(path)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if layout == nil {
		return nil, mlerrors.Errorf(mlerrors.NotFound, op, "no %s for %q", layoutFile, dir)
	}

	names, err := ionames.Load(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.V(2).Info("no io names sidecar, using logical names", "dir", dir)
		names = ionames.New()
		for _, in := range layout.Inputs {
			names.AddInput(in.Name, in.Name)
		}
		for _, out := range layout.Outputs {
			names.AddOutput(out.Name, out.Name)
		}
	}

	g, err := NewGraph(layout, names)
	if err != nil {
		return nil, mlerrors.E(mlerrors.InvalidArgument, op, fmt.Errorf("loading %q: %w", dir, err))
	}
	log.Info("loaded graph", "model", layout.ModelName, "dir", dir, "nodes", len(g.nodes))
	return g, nil
}

// Graph is immutable after construction and safe for concurrent Run calls.
type Graph struct {
	nodes map[NodeID]*node
	// inputs and outputs map graph tensor names to nodes.
	inputs  map[string]NodeID
	outputs map[string]NodeID

	closed atomic.Bool
}

var _ engine.Graph = &Graph{}

func NewGraph(layout *schema.Layout, names *ionames.IOMap) (*Graph, error) {
	g := &Graph{
		nodes:   make(map[NodeID]*node),
		inputs:  make(map[string]NodeID),
		outputs: make(map[string]NodeID),
	}

	for _, in := range layout.Inputs {
		n := newInputNode(in.Name)
		g.nodes[n.id] = n
		if internal, ok := names.InternalInput(in.Name); ok {
			g.inputs[internal] = n.id
		}
	}
	for i := range layout.Layers {
		n, err := newLayerNode(i, &layout.Layers[i])
		if err != nil {
			return nil, err
		}
		if _, exists := g.nodes[n.id]; exists {
			return nil, fmt.Errorf("node %q is defined twice", n.id)
		}
		g.nodes[n.id] = n
	}

	var want []NodeID
	for _, internal := range names.OutputNames {
		logical, _ := names.LogicalOutput(internal)
		id := NodeID(logical)
		if _, ok := g.nodes[id]; !ok {
			return nil, fmt.Errorf("output %q is not produced by any layer", logical)
		}
		g.outputs[internal] = id
		want = append(want, id)
	}
	if _, err := engine.BuildDAG(g, want); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) AllNodes() map[NodeID]engine.Node {
	nodes := make(map[NodeID]engine.Node, len(g.nodes))
	for id, n := range g.nodes {
		nodes[id] = n
	}
	return nodes
}

func (g *Graph) Run(ctx context.Context, inputs []engine.NamedTensor, outputs []string) ([]*tensor.Tensor, error) {
	const op = "reference.Run"
	if g.closed.Load() {
		return nil, mlerrors.Errorf(mlerrors.Precondition, op, "graph is closed")
	}

	bound := make(map[NodeID]*tensor.Tensor, len(inputs))
	for _, in := range inputs {
		id, ok := g.inputs[in.Name]
		if !ok {
			return nil, mlerrors.Errorf(mlerrors.InvalidArgument, op, "unknown input %q", in.Name)
		}
		bound[id] = in.Tensor
	}

	want := make([]NodeID, len(outputs))
	for i, name := range outputs {
		id, ok := g.outputs[name]
		if !ok {
			return nil, mlerrors.Errorf(mlerrors.InvalidArgument, op, "unknown output %q", name)
		}
		want[i] = id
	}

	return engine.Evaluate(ctx, g.newScope(), bound, want)
}

func (g *Graph) Close() error {
	g.closed.Store(true)
	return nil
}

// calculationScope holds the values of one Run.
type calculationScope struct {
	*Graph
	values map[NodeID]*tensor.Tensor
}

func (g *Graph) newScope() *calculationScope {
	return &calculationScope{
		Graph:  g,
		values: make(map[NodeID]*tensor.Tensor),
	}
}

func (c *calculationScope) Bind(id NodeID, value *tensor.Tensor) error {
	n, ok := c.nodes[id]
	if !ok || n.layer != nil {
		return fmt.Errorf("%q is not a graph input", id)
	}
	c.values[id] = value
	return nil
}

func (c *calculationScope) Value(id NodeID) (*tensor.Tensor, bool) {
	v, ok := c.values[id]
	return v, ok
}

func (c *calculationScope) Evaluate(ctx context.Context, want []NodeID) error {
	evaluationOrder, err := engine.BuildDAG(c, want)
	if err != nil {
		return err
	}

	needed := make(map[NodeID]bool)
	var mark func(id NodeID)
	mark = func(id NodeID) {
		if needed[id] {
			return
		}
		needed[id] = true
		for _, dep := range c.nodes[id].dependencies {
			mark(dep)
		}
	}
	for _, id := range want {
		mark(id)
	}

	for _, id := range evaluationOrder {
		if !needed[id] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.evaluateNode(c.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

func (c *calculationScope) evaluateNode(n *node) error {
	if n.layer == nil {
		if _, ok := c.values[n.id]; !ok {
			return mlerrors.Errorf(mlerrors.InvalidArgument, "reference.Run", "input %q was not provided", n.id)
		}
		return nil
	}

	operands := make([]*tensor.Tensor, len(n.dependencies))
	for i, dep := range n.dependencies {
		v, ok := c.values[dep]
		if !ok {
			return fmt.Errorf("node %q evaluated before its dependency %q", n.id, dep)
		}
		operands[i] = v
	}

	var result *tensor.Tensor
	var err error
	switch n.layer.Type {
	case schema.LayerAdd:
		result, err = elementwise(n.id, operands, func(a, b float32) float32 { return a + b })
	case schema.LayerMultiply:
		result, err = elementwise(n.id, operands, func(a, b float32) float32 { return a * b })
	case schema.LayerActivation:
		result = activate(n.activation, operands[0])
	case schema.LayerFlatten:
		result = flatten(operands[0])
	case schema.LayerDropout:
		// Dropout is the identity at inference time.
		result = operands[0]
	default:
		err = fmt.Errorf("unsupported layer type %s", n.layer.Type)
	}
	if err != nil {
		return err
	}
	c.values[n.id] = result
	return nil
}

// elementwise folds operands with fn. Operands must have equal lengths, except that
// single-value operands broadcast.
func elementwise(id NodeID, operands []*tensor.Tensor, fn func(a, b float32) float32) (*tensor.Tensor, error) {
	widest := operands[0]
	for _, t := range operands[1:] {
		if t.Len() > widest.Len() {
			widest = t
		}
	}
	n := widest.Len()
	for _, t := range operands {
		if t.Len() != n && t.Len() != 1 {
			return nil, mlerrors.Errorf(mlerrors.ShapeMismatch, "reference.Run",
				"%s: operand shape %v does not match %v", id, t.Shape, widest.Shape)
		}
	}

	values := make([]float32, n)
	for i := range values {
		values[i] = at(operands[0], i)
		for _, t := range operands[1:] {
			values[i] = fn(values[i], at(t, i))
		}
	}
	return tensor.New(values, widest.Shape...), nil
}

func at(t *tensor.Tensor, i int) float32 {
	if t.Len() == 1 {
		return t.Values[0]
	}
	return t.Values[i]
}

func activate(name string, x *tensor.Tensor) *tensor.Tensor {
	values := make([]float32, x.Len())
	switch name {
	case "relu":
		for i, v := range x.Values {
			values[i] = max(v, 0)
		}
	case "sigmoid":
		for i, v := range x.Values {
			values[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case "tanh":
		for i, v := range x.Values {
			values[i] = float32(math.Tanh(float64(v)))
		}
	case "softmax":
		maxValue := float32(math.Inf(-1))
		for _, v := range x.Values {
			maxValue = max(maxValue, v)
		}
		sum := 0.0
		for i, v := range x.Values {
			e := math.Exp(float64(v - maxValue))
			values[i] = float32(e)
			sum += e
		}
		for i := range values {
			values[i] = float32(float64(values[i]) / sum)
		}
	default:
		copy(values, x.Values)
	}
	return tensor.New(values, x.Shape...)
}

// flatten keeps the leading batch dimension and folds the rest.
func flatten(x *tensor.Tensor) *tensor.Tensor {
	if len(x.Shape) < 2 {
		return x
	}
	rest := int64(1)
	for _, d := range x.Shape[1:] {
		rest *= d
	}
	return tensor.New(x.Values, x.Shape[0], rest)
}
