package tensor

import (
	"fmt"
	"slices"
	"sort"
)

// Tensor is a dense float32 tensor in row-major order.
// A dimension of -1 is never stored; shapes are concrete.
type Tensor struct {
	Shape  []int64
	Values []float32
}

// New builds a tensor over values. With no shape the tensor is 1-D.
func New(values []float32, shape ...int64) *Tensor {
	if len(shape) == 0 {
		shape = []int64{int64(len(values))}
	}
	return &Tensor{
		Shape:  slices.Clone(shape),
		Values: values,
	}
}

// Len is the number of stored values.
func (t *Tensor) Len() int {
	return len(t.Values)
}

// NumElements is the element count implied by the shape.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:  slices.Clone(t.Shape),
		Values: slices.Clone(t.Values),
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v%v", t.Shape, t.Values)
}

// Labeled is a set of tensors keyed by name.
type Labeled map[string]*Tensor

// Names returns the tensor names in sorted order.
func (l Labeled) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
