package preprocess

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

// LoadImages converts every path with at most workers loads in flight.
// Results are in path order; the first failure cancels the remaining loads.
func LoadImages(ctx context.Context, loader *ImageLoader, paths []string, workers int) ([]*tensor.Tensor, error) {
	if workers <= 0 {
		workers = 1
	}
	log := klog.FromContext(ctx)

	results := make([]*tensor.Tensor, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := loader.Load(ctx, path)
			if err != nil {
				return err
			}
			results[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("preprocessing %d images: %w", len(paths), err)
	}

	log.V(2).Info("preprocessed images", "count", len(paths), "workers", workers)
	return results, nil
}

// Stack concatenates [1, ...] image tensors along the batch dimension.
func Stack(tensors []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("no tensors to stack")
	}
	first := tensors[0]
	if len(first.Shape) == 0 {
		return nil, fmt.Errorf("tensor 0 has no batch dimension")
	}
	var values []float32
	for i, t := range tensors {
		if !slices.Equal(t.Shape, first.Shape) {
			return nil, fmt.Errorf("tensor %d has shape %v, expected %v", i, t.Shape, first.Shape)
		}
		values = append(values, t.Values...)
	}
	shape := append([]int64{int64(len(tensors))}, first.Shape[1:]...)
	return tensor.New(values, shape...), nil
}
