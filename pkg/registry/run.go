package registry

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/artifacts"
	"k8s.io/examples/AI/modelforge/pkg/engine"
	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

// RunReport lists the names Run dropped because the io names sidecar does not map them,
// and the version that served the call.
type RunReport struct {
	Version        artifacts.Version
	SkippedInputs  []string
	SkippedOutputs []string
}

// Run evaluates the loaded graph. Inputs and outputs without a mapping are skipped, so the
// result may hold fewer outputs than the layout declares.
func (r *Registry) Run(ctx context.Context, inputs tensor.Labeled) (tensor.Labeled, error) {
	out, _, err := r.RunWithReport(ctx, inputs)
	return out, err
}

func (r *Registry) RunWithReport(ctx context.Context, inputs tensor.Labeled) (tensor.Labeled, RunReport, error) {
	const op = "registry.Run"
	log := klog.FromContext(ctx)

	var report RunReport
	start := time.Now()

	// Held across the graph call so the graph and its names are always used as a pair.
	r.handleMu.Lock()
	defer r.handleMu.Unlock()

	h := r.handle
	if h == nil {
		return nil, report, mlerrors.Errorf(mlerrors.Precondition, op, "no model is loaded")
	}
	report.Version = h.version

	feeds := make([]engine.NamedTensor, 0, len(inputs))
	for _, name := range inputs.Names() {
		internal, ok := h.names.InternalInput(name)
		if !ok {
			log.Info("skipping input with no graph mapping", "model", h.model, "input", name)
			report.SkippedInputs = append(report.SkippedInputs, name)
			r.metrics.SkippedInput(h.model)
			continue
		}
		feeds = append(feeds, engine.NamedTensor{Name: internal, Tensor: inputs[name]})
	}

	results, err := h.graph.Run(ctx, feeds, h.names.OutputNames)
	if err == nil && len(results) != len(h.names.OutputNames) {
		err = mlerrors.Errorf(mlerrors.Unknown, op, "graph returned %d outputs, want %d", len(results), len(h.names.OutputNames))
	}
	r.metrics.ObserveRun(h.model, start, err)
	if err != nil {
		return nil, report, fmt.Errorf("running %s version %d: %w", h.model, h.version, err)
	}

	out := make(tensor.Labeled, len(results))
	for i, internal := range h.names.OutputNames {
		logical, ok := h.names.LogicalOutput(internal)
		if !ok {
			log.Info("skipping output with no logical name", "model", h.model, "output", internal)
			report.SkippedOutputs = append(report.SkippedOutputs, internal)
			r.metrics.SkippedOutput(h.model)
			continue
		}
		out[logical] = results[i]
	}
	return out, report, nil
}
