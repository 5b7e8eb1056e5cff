package ionames

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	jsoniter "github.com/json-iterator/go"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/schema"
)

// SidecarName is the file, inside a version directory, that maps logical names to graph names.
const SidecarName = "cppflow_io_names.json"

// IOMap resolves the names callers use to the tensor names inside a compiled graph.
type IOMap struct {
	// InputToInternal maps a logical input name to its graph tensor name.
	InputToInternal map[string]string
	// OutputToLogical maps a graph output tensor name to its logical name.
	OutputToLogical map[string]string
	// OutputNames is the order in which the graph returns its outputs.
	OutputNames []string
}

func New() *IOMap {
	return &IOMap{
		InputToInternal: make(map[string]string),
		OutputToLogical: make(map[string]string),
	}
}

// AddInput maps a logical input to a graph tensor.
func (m *IOMap) AddInput(logical, internal string) {
	m.InputToInternal[logical] = internal
}

// AddOutput appends a graph output; the order of calls is the graph's output order.
// An empty logical name records the output with no mapping, so Run drops its value.
func (m *IOMap) AddOutput(internal, logical string) {
	if !slices.Contains(m.OutputNames, internal) {
		m.OutputNames = append(m.OutputNames, internal)
	}
	if logical == "" {
		delete(m.OutputToLogical, internal)
		return
	}
	m.OutputToLogical[internal] = logical
}

func (m *IOMap) InternalInput(logical string) (string, bool) {
	name, ok := m.InputToInternal[logical]
	return name, ok
}

func (m *IOMap) LogicalOutput(internal string) (string, bool) {
	name, ok := m.OutputToLogical[internal]
	return name, ok
}

// Path is the sidecar location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, SidecarName)
}

// Load reads the sidecar in dir.
func Load(dir string) (*IOMap, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mlerrors.Errorf(mlerrors.IO, "ionames.Load", "reading %q: %w", path, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	return m, nil
}

// Decode parses {"inputs": {logical: internal}, "outputs": {internal: logical}}.
// The document order of "outputs" becomes OutputNames; a null logical name leaves that
// output unmapped.
func Decode(data []byte) (*IOMap, error) {
	const op = "ionames.Decode"

	m := New()
	iter := jsoniter.ConfigCompatibleWithStandardLibrary.BorrowIterator(data)
	defer jsoniter.ConfigCompatibleWithStandardLibrary.ReturnIterator(iter)

	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return nil, mlerrors.Errorf(mlerrors.Malformed, op, "expected a json object")
	}

	readPairs := func(add func(k, v string), allowNull bool) bool {
		if iter.WhatIsNext() != jsoniter.ObjectValue {
			iter.ReportError("ionames", "expected an object of names")
			return false
		}
		return iter.ReadObjectCB(func(iter *jsoniter.Iterator, key string) bool {
			if allowNull && iter.ReadNil() {
				add(key, "")
				return true
			}
			if iter.WhatIsNext() != jsoniter.StringValue {
				iter.ReportError("ionames", fmt.Sprintf("name for %q is not a string", key))
				return false
			}
			add(key, iter.ReadString())
			return true
		})
	}

	iter.ReadObjectCB(func(iter *jsoniter.Iterator, field string) bool {
		switch field {
		case "inputs":
			return readPairs(m.AddInput, false)
		case "outputs":
			return readPairs(m.AddOutput, true)
		default:
			iter.Skip()
			return true
		}
	})
	if iter.Error != nil {
		return nil, mlerrors.Errorf(mlerrors.Malformed, op, "decoding json: %w", iter.Error)
	}
	return m, nil
}

// Encode writes the sidecar with outputs in graph order and inputs sorted by logical name.
func (m *IOMap) Encode() ([]byte, error) {
	var buf bytes.Buffer
	stream := jsoniter.NewStream(jsoniter.ConfigCompatibleWithStandardLibrary, &buf, 512)

	stream.WriteObjectStart()
	stream.WriteObjectField("inputs")
	stream.WriteObjectStart()
	for i, logical := range slices.Sorted(maps.Keys(m.InputToInternal)) {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(logical)
		stream.WriteString(m.InputToInternal[logical])
	}
	stream.WriteObjectEnd()
	stream.WriteMore()
	stream.WriteObjectField("outputs")
	stream.WriteObjectStart()
	for i, internal := range m.OutputNames {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(internal)
		if logical, ok := m.OutputToLogical[internal]; ok {
			stream.WriteString(logical)
		} else {
			stream.WriteNil()
		}
	}
	stream.WriteObjectEnd()
	stream.WriteObjectEnd()

	if err := stream.Flush(); err != nil {
		return nil, fmt.Errorf("encoding io names: %w", err)
	}
	if stream.Error != nil {
		return nil, fmt.Errorf("encoding io names: %w", stream.Error)
	}
	return buf.Bytes(), nil
}

// WriteFile writes the sidecar into dir.
func (m *IOMap) WriteFile(dir string) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return schema.WriteFile("ionames.WriteFile", Path(dir), data)
}
