package engine

import (
	"context"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

// Evaluate binds inputs into scope, computes the wanted nodes and returns their values in order.
func Evaluate(ctx context.Context, scope EvalScope, inputs map[NodeID]*tensor.Tensor, want []NodeID) ([]*tensor.Tensor, error) {
	for id, value := range inputs {
		if err := scope.Bind(id, value); err != nil {
			return nil, err
		}
	}

	if err := scope.Evaluate(ctx, want); err != nil {
		return nil, err
	}

	results := make([]*tensor.Tensor, 0, len(want))
	for _, id := range want {
		value, found := scope.Value(id)
		if !found {
			return nil, mlerrors.Errorf(mlerrors.InvalidArgument, "engine.Evaluate", "node %q has no value", id)
		}
		results = append(results, value.Clone())
	}

	return results, nil
}
