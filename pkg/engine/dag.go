package engine

import (
	"fmt"
	"slices"
)

// BuildDAG returns an evaluation order in which every node follows its dependencies.
// It fails if any wanted node cannot be reached, for example because of a cycle or a
// dependency on an undeclared node.
func BuildDAG(scope Scope, want []NodeID) ([]NodeID, error) {
	allNodes := scope.AllNodes()

	ids := make([]NodeID, 0, len(allNodes))
	for id := range allNodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	evaluationOrder := make([]NodeID, 0, len(allNodes))
	done := make(map[NodeID]bool)

	for {
		progress := false
		for _, id := range ids {
			if done[id] {
				continue
			}

			ready := true
			for _, dep := range allNodes[id].Dependencies() {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				evaluationOrder = append(evaluationOrder, id)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, id := range want {
		if !done[id] {
			return nil, fmt.Errorf("node %q could not be computed (unreachable in computation graph)", id)
		}
	}

	return evaluationOrder, nil
}
