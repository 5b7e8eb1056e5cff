package engine

import (
	"context"
	"io"

	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

// NamedTensor is a graph input keyed by its internal tensor name.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// Graph is a loaded, runnable model version.
type Graph interface {
	io.Closer

	// Run feeds inputs and returns one tensor per requested output, in the same order.
	Run(ctx context.Context, inputs []NamedTensor, outputs []string) ([]*tensor.Tensor, error)
}

// Loader loads the graph stored in a version directory.
type Loader interface {
	Load(ctx context.Context, dir string) (Graph, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, dir string) (Graph, error)

func (f LoaderFunc) Load(ctx context.Context, dir string) (Graph, error) {
	return f(ctx, dir)
}

type NodeID string

// Node is one vertex of a computation graph.
type Node interface {
	NodeID() NodeID
	Dependencies() []NodeID
}

// Scope exposes every node of a graph.
type Scope interface {
	AllNodes() map[NodeID]Node
}

// EvalScope binds inputs and computes node values for one evaluation.
type EvalScope interface {
	Scope

	Bind(id NodeID, value *tensor.Tensor) error
	Evaluate(ctx context.Context, want []NodeID) error
	Value(id NodeID) (*tensor.Tensor, bool)
}
