package reference

import (
	"fmt"
	"slices"

	"k8s.io/examples/AI/modelforge/pkg/engine"
	"k8s.io/examples/AI/modelforge/pkg/schema"
)

type NodeID = engine.NodeID

// node is either a graph input (layer is nil) or the output of one layer.
type node struct {
	id    NodeID
	layer *schema.Layer

	activation   string
	dependencies []NodeID
}

func newInputNode(name string) *node {
	return &node{id: NodeID(name)}
}

// newLayerNode reads the output name and operands of layer i from its parameters.
func newLayerNode(i int, layer *schema.Layer) (*node, error) {
	n := &node{
		id:    NodeID(fmt.Sprintf("layer_%d", i)),
		layer: layer,
	}

	if v, ok := layer.Params["output_name"]; ok {
		name, ok := v.AsString()
		if !ok {
			return nil, fmt.Errorf("layer %d: output_name must be a string", i)
		}
		n.id = NodeID(name)
	}

	if v, ok := layer.Params["input_names"]; ok {
		names, ok := v.AsStrings()
		if !ok {
			return nil, fmt.Errorf("layer %d: input_names must be a list of strings", i)
		}
		for _, name := range names {
			n.dependencies = append(n.dependencies, NodeID(name))
		}
	}
	if v, ok := layer.Params["input_name"]; ok {
		name, ok := v.AsString()
		if !ok {
			return nil, fmt.Errorf("layer %d: input_name must be a string", i)
		}
		n.dependencies = append(n.dependencies, NodeID(name))
	}
	if len(n.dependencies) == 0 {
		return nil, fmt.Errorf("layer %d (%s) has no inputs", i, layer.Type)
	}

	switch layer.Type {
	case schema.LayerAdd, schema.LayerMultiply:
	case schema.LayerFlatten, schema.LayerDropout:
		if len(n.dependencies) != 1 {
			return nil, fmt.Errorf("layer %d (%s) takes exactly one input", i, layer.Type)
		}
	case schema.LayerActivation:
		if len(n.dependencies) != 1 {
			return nil, fmt.Errorf("layer %d (%s) takes exactly one input", i, layer.Type)
		}
		n.activation = "linear"
		if v, ok := layer.Params["activation"]; ok {
			name, ok := v.AsString()
			if !ok {
				return nil, fmt.Errorf("layer %d: activation must be a string", i)
			}
			n.activation = name
		}
		if !slices.Contains(activations, n.activation) {
			return nil, fmt.Errorf("layer %d: unsupported activation %q", i, n.activation)
		}
	default:
		return nil, fmt.Errorf("layer %d: %s layers need trained weights, which this engine does not evaluate", i, layer.Type)
	}

	return n, nil
}

func (n *node) NodeID() NodeID {
	return n.id
}

func (n *node) Dependencies() []NodeID {
	return n.dependencies
}
