package inference

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

// A tensor travels as {"shape": [...], "values": [...]}. A bare list of numbers is accepted
// as a 1-D tensor.

func tensorToValue(t *tensor.Tensor) *structpb.Value {
	shape := make([]*structpb.Value, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = structpb.NewNumberValue(float64(d))
	}
	values := make([]*structpb.Value, len(t.Values))
	for i, v := range t.Values {
		values[i] = structpb.NewNumberValue(float64(v))
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"shape":  structpb.NewListValue(&structpb.ListValue{Values: shape}),
		"values": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}})
}

func labeledToStruct(l tensor.Labeled) *structpb.Struct {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(l))}
	for name, t := range l {
		s.Fields[name] = tensorToValue(t)
	}
	return s
}

func numbers(l *structpb.ListValue) ([]float64, error) {
	out := make([]float64, len(l.GetValues()))
	for i, v := range l.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("element %d is not a number", i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

func valueToTensor(v *structpb.Value) (*tensor.Tensor, error) {
	var shapeList, valueList *structpb.ListValue
	switch kind := v.GetKind().(type) {
	case *structpb.Value_ListValue:
		valueList = kind.ListValue
	case *structpb.Value_StructValue:
		fields := kind.StructValue.GetFields()
		valueList = fields["values"].GetListValue()
		if valueList == nil {
			return nil, fmt.Errorf("missing values list")
		}
		shapeList = fields["shape"].GetListValue()
	default:
		return nil, fmt.Errorf("expected a list or an object with values")
	}

	raw, err := numbers(valueList)
	if err != nil {
		return nil, fmt.Errorf("values: %w", err)
	}
	values := make([]float32, len(raw))
	for i, f := range raw {
		values[i] = float32(f)
	}

	var shape []int64
	if shapeList != nil {
		dims, err := numbers(shapeList)
		if err != nil {
			return nil, fmt.Errorf("shape: %w", err)
		}
		for _, d := range dims {
			if d < 0 || d != math.Trunc(d) {
				return nil, fmt.Errorf("shape: invalid dimension %v", d)
			}
			shape = append(shape, int64(d))
		}
	}

	t := tensor.New(values, shape...)
	if t.NumElements() != int64(len(values)) {
		return nil, fmt.Errorf("shape %v holds %d elements, got %d values", t.Shape, t.NumElements(), len(values))
	}
	return t, nil
}

func structToLabeled(op string, s *structpb.Struct) (tensor.Labeled, error) {
	out := make(tensor.Labeled, len(s.GetFields()))
	for name, v := range s.GetFields() {
		t, err := valueToTensor(v)
		if err != nil {
			return nil, mlerrors.Errorf(mlerrors.InvalidArgument, op, "tensor %q: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func stringList(items []string) *structpb.Value {
	values := make([]*structpb.Value, len(items))
	for i, s := range items {
		values[i] = structpb.NewStringValue(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func stringsOf(v *structpb.Value) []string {
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		out = append(out, item.GetStringValue())
	}
	return out
}
