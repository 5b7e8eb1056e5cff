package inference

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

type Response struct {
	Outputs        tensor.Labeled
	Version        int
	SkippedInputs  []string
	SkippedOutputs []string
}

type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Run(ctx context.Context, inputs tensor.Labeled, opts ...grpc.CallOption) (*Response, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"inputs": structpb.NewStructValue(labeledToStruct(inputs)),
	}}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, RunMethod, req, out, opts...); err != nil {
		return nil, err
	}

	outputs, err := structToLabeled("inference.Client", out.GetFields()["outputs"].GetStructValue())
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &Response{
		Outputs:        outputs,
		Version:        int(out.GetFields()["version"].GetNumberValue()),
		SkippedInputs:  stringsOf(out.GetFields()["skipped_inputs"]),
		SkippedOutputs: stringsOf(out.GetFields()["skipped_outputs"]),
	}, nil
}
