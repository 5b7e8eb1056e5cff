package schema

import (
	"fmt"
	"maps"
	"slices"
)

// DataType is the element type of a model input.
type DataType string

const (
	Boolean DataType = "bool"
	UInt8   DataType = "uint8"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
	Double  DataType = "double"
	Int32   DataType = "int32"
	Int64   DataType = "int64"
)

var dataTypes = []DataType{Boolean, UInt8, Float32, Float64, Double, Int32, Int64}

func ParseDataType(s string) (DataType, error) {
	if slices.Contains(dataTypes, DataType(s)) {
		return DataType(s), nil
	}
	return "", fmt.Errorf("unsupported dtype %q", s)
}

// Domain tells the trainer how to interpret an input's samples.
type Domain string

const (
	DomainData  Domain = "data"
	DomainImage Domain = "image"
)

func ParseDomain(s string) (Domain, error) {
	switch Domain(s) {
	case DomainData, DomainImage:
		return Domain(s), nil
	}
	return "", fmt.Errorf("unsupported domain %q", s)
}

// LayerType is one of the layer kinds the external builder understands.
type LayerType string

const (
	LayerAdd                LayerType = "Add"
	LayerMultiply           LayerType = "Multiply"
	LayerDense              LayerType = "Dense"
	LayerFlatten            LayerType = "Flatten"
	LayerActivation         LayerType = "Activation"
	LayerDropout            LayerType = "Dropout"
	LayerConv1D             LayerType = "Conv1D"
	LayerConv2D             LayerType = "Conv2D"
	LayerMaxPooling2D       LayerType = "MaxPooling2D"
	LayerBatchNormalization LayerType = "BatchNormalization"
)

var layerTypes = []LayerType{
	LayerAdd, LayerMultiply, LayerDense, LayerFlatten, LayerActivation,
	LayerDropout, LayerConv1D, LayerConv2D, LayerMaxPooling2D, LayerBatchNormalization,
}

func ParseLayerType(s string) (LayerType, error) {
	if slices.Contains(layerTypes, LayerType(s)) {
		return LayerType(s), nil
	}
	return "", fmt.Errorf("unsupported layer type %q", s)
}

type Input struct {
	Name  string
	DType DataType
	// Shape uses -1 for a dynamic dimension.
	Shape  []int
	Domain Domain
}

type Output struct {
	Name string
}

type Layer struct {
	Type   LayerType
	Params map[string]Value
}

// Layout describes a model's inputs, outputs and layers, independent of trained weights.
type Layout struct {
	ModelName string
	Inputs    []Input
	Outputs   []Output
	Layers    []Layer
}

func NewLayout(modelName string) *Layout {
	return &Layout{
		ModelName: modelName,
		Inputs:    []Input{},
		Outputs:   []Output{},
		Layers:    []Layer{},
	}
}

func (l *Layout) Clone() *Layout {
	out := &Layout{
		ModelName: l.ModelName,
		Inputs:    make([]Input, len(l.Inputs)),
		Outputs:   slices.Clone(l.Outputs),
		Layers:    make([]Layer, len(l.Layers)),
	}
	if out.Outputs == nil {
		out.Outputs = []Output{}
	}
	for i, in := range l.Inputs {
		in.Shape = slices.Clone(in.Shape)
		out.Inputs[i] = in
	}
	for i, layer := range l.Layers {
		layer.Params = maps.Clone(layer.Params)
		out.Layers[i] = layer
	}
	return out
}

// InputNames lists the declared input names in order.
func (l *Layout) InputNames() []string {
	names := make([]string, len(l.Inputs))
	for i, in := range l.Inputs {
		names[i] = in.Name
	}
	return names
}

// OutputNames lists the declared output names in order.
func (l *Layout) OutputNames() []string {
	names := make([]string, len(l.Outputs))
	for i, out := range l.Outputs {
		names[i] = out.Name
	}
	return names
}

type layoutDoc struct {
	ModelName *string      `json:"model_name"`
	Inputs    *[]inputDoc  `json:"inputs"`
	Outputs   *[]outputDoc `json:"outputs"`
	Layers    *[]layerDoc  `json:"layers"`
}

type inputDoc struct {
	Name   *string `json:"name"`
	DType  *string `json:"dtype"`
	Shape  *[]int  `json:"shape"`
	Domain string  `json:"domain,omitempty"`
	// InputType is the legacy spelling of Domain.
	InputType string `json:"input_type,omitempty"`
}

type outputDoc struct {
	Name *string `json:"name"`
}

type layerDoc struct {
	Type   *string           `json:"type"`
	Params *map[string]Value `json:"params"`
}

func (l *Layout) Encode() ([]byte, error) {
	name := l.ModelName
	inputs := make([]inputDoc, len(l.Inputs))
	for i, in := range l.Inputs {
		dtype := string(in.DType)
		shape := in.Shape
		if shape == nil {
			shape = []int{}
		}
		domain := in.Domain
		if domain == "" {
			domain = DomainData
		}
		inputs[i] = inputDoc{
			Name:   &in.Name,
			DType:  &dtype,
			Shape:  &shape,
			Domain: string(domain),
		}
	}
	outputs := make([]outputDoc, len(l.Outputs))
	for i := range l.Outputs {
		outputs[i] = outputDoc{Name: &l.Outputs[i].Name}
	}
	layers := make([]layerDoc, len(l.Layers))
	for i, layer := range l.Layers {
		typ := string(layer.Type)
		params := layer.Params
		if params == nil {
			params = map[string]Value{}
		}
		layers[i] = layerDoc{Type: &typ, Params: &params}
	}

	data, err := marshal(&layoutDoc{
		ModelName: &name,
		Inputs:    &inputs,
		Outputs:   &outputs,
		Layers:    &layers,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding layout: %w", err)
	}
	return data, nil
}

func DecodeLayout(data []byte) (*Layout, error) {
	const op = "schema.DecodeLayout"

	var doc layoutDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, decodeError(op, err)
	}
	if doc.ModelName == nil {
		return nil, malformed(op, "missing model_name")
	}
	if doc.Inputs == nil {
		return nil, malformed(op, "missing inputs")
	}
	if doc.Outputs == nil {
		return nil, malformed(op, "missing outputs")
	}
	if doc.Layers == nil {
		return nil, malformed(op, "missing layers")
	}

	layout := &Layout{
		ModelName: *doc.ModelName,
		Inputs:    make([]Input, 0, len(*doc.Inputs)),
		Outputs:   make([]Output, 0, len(*doc.Outputs)),
		Layers:    make([]Layer, 0, len(*doc.Layers)),
	}

	for i, in := range *doc.Inputs {
		if in.Name == nil || in.DType == nil || in.Shape == nil {
			return nil, malformed(op, "input %d: name, dtype and shape are required", i)
		}
		dtype, err := ParseDataType(*in.DType)
		if err != nil {
			return nil, malformed(op, "input %q: %w", *in.Name, err)
		}
		domainName := in.Domain
		if domainName == "" {
			domainName = in.InputType
		}
		if domainName == "" {
			domainName = string(DomainData)
		}
		domain, err := ParseDomain(domainName)
		if err != nil {
			return nil, malformed(op, "input %q: %w", *in.Name, err)
		}
		shape := make([]int, len(*in.Shape))
		copy(shape, *in.Shape)
		layout.Inputs = append(layout.Inputs, Input{
			Name:   *in.Name,
			DType:  dtype,
			Shape:  shape,
			Domain: domain,
		})
	}

	for i, out := range *doc.Outputs {
		if out.Name == nil {
			return nil, malformed(op, "output %d: missing name", i)
		}
		layout.Outputs = append(layout.Outputs, Output{Name: *out.Name})
	}

	for i, layer := range *doc.Layers {
		if layer.Type == nil || layer.Params == nil {
			return nil, malformed(op, "layer %d: type and params are required", i)
		}
		typ, err := ParseLayerType(*layer.Type)
		if err != nil {
			return nil, malformed(op, "layer %d: %w", i, err)
		}
		params := make(map[string]Value, len(*layer.Params))
		maps.Copy(params, *layer.Params)
		layout.Layers = append(layout.Layers, Layer{Type: typ, Params: params})
	}

	return layout, nil
}

func ReadLayoutFile(path string) (*Layout, error) {
	data, err := readFile("schema.ReadLayoutFile", path)
	if err != nil {
		return nil, err
	}
	layout, err := DecodeLayout(data)
	if err != nil {
		return nil, fmt.Errorf("reading layout %q: %w", path, err)
	}
	return layout, nil
}

func (l *Layout) WriteToFile(path string) error {
	data, err := l.Encode()
	if err != nil {
		return err
	}
	return WriteFile("schema.Layout.WriteToFile", path, data)
}
