package preprocess

import (
	"context"
	"fmt"
	"sort"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

// FlatBuilder turns raw float slices into named tensors of a fixed element count.
type FlatBuilder struct {
	size  int
	shape []int64

	tensors tensor.Labeled
}

// NewFlatBuilder returns a builder that pads or truncates every input to size values.
// A nil shape produces 1-D tensors; a shape of [-1] produces 1-D tensors of the padded length;
// any other shape is applied as given.
func NewFlatBuilder(size int, shape []int64) *FlatBuilder {
	return &FlatBuilder{
		size:    size,
		shape:   append([]int64(nil), shape...),
		tensors: make(tensor.Labeled),
	}
}

// AddInputTensor adds (or replaces) the tensor for name.
// With a rank-1 shape the data must already have exactly that many values; otherwise a
// ShapeMismatch error is returned, no tensor is stored and the builder stays usable.
func (b *FlatBuilder) AddInputTensor(ctx context.Context, name string, data []float32) error {
	log := klog.FromContext(ctx)

	values := make([]float32, b.size)
	copy(values, data)

	switch {
	case len(b.shape) == 0:
		b.tensors[name] = tensor.New(values)
	case len(b.shape) == 1 && b.shape[0] == -1:
		b.tensors[name] = tensor.New(values, int64(len(values)))
	case len(b.shape) == 1 && (b.shape[0] != int64(len(data)) || b.shape[0] != int64(b.size)):
		err := mlerrors.Errorf(mlerrors.ShapeMismatch, "preprocess.AddInputTensor",
			"tensor %q: expected size %d, got %d", name, b.shape[0], len(data))
		log.Error(err, "skipping tensor", "name", name)
		return err
	default:
		b.tensors[name] = tensor.New(values, b.shape...)
	}
	return nil
}

// AddInputTensors adds every entry, continuing past failures.
// The returned map holds the error for each skipped name and is nil when all were added.
func (b *FlatBuilder) AddInputTensors(ctx context.Context, inputs map[string][]float32) map[string]error {
	var failed map[string]error
	for name, data := range inputs {
		if err := b.AddInputTensor(ctx, name, data); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[name] = err
		}
	}
	return failed
}

// Tensors returns a copy of the tensor set built so far.
func (b *FlatBuilder) Tensors() (tensor.Labeled, error) {
	if len(b.tensors) == 0 {
		return nil, mlerrors.E(mlerrors.Precondition, "preprocess.Tensors", fmt.Errorf("no input tensors have been added"))
	}
	out := make(tensor.Labeled, len(b.tensors))
	for name, t := range b.tensors {
		out[name] = t.Clone()
	}
	return out, nil
}

// FeatureNames lists the names of the tensors built so far, sorted.
func (b *FlatBuilder) FeatureNames() []string {
	names := make([]string, 0, len(b.tensors))
	for name := range b.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
