package inference

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/registry"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

const (
	ServiceName = "modelforge.v1.Inference"
	RunMethod   = "/" + ServiceName + "/Run"
)

// InferenceServer is the server API. Requests and responses are structpb.Struct documents:
//
//	request:  {"inputs": {name: tensor}}
//	response: {"outputs": {name: tensor}, "version": n, "skipped_inputs": [...], "skipped_outputs": [...]}
type InferenceServer interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Model is the part of a registry the server needs.
type Model interface {
	RunWithReport(ctx context.Context, inputs tensor.Labeled) (tensor.Labeled, registry.RunReport, error)
}

var _ Model = (*registry.Registry)(nil)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Run",
			Handler:    runHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "modelforge/v1/inference.proto",
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: RunMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InferenceServer).Run(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Register adds srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Server serves one model.
type Server struct {
	Model Model
}

var _ InferenceServer = &Server{}

func (s *Server) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := klog.FromContext(ctx)

	inputs, err := structToLabeled("inference.Run", req.GetFields()["inputs"].GetStructValue())
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "request has no inputs")
	}

	outputs, report, err := s.Model.RunWithReport(ctx, inputs)
	if err != nil {
		log.Error(err, "running model")
		return nil, err
	}

	resp := &structpb.Struct{Fields: map[string]*structpb.Value{
		"outputs": structpb.NewStructValue(labeledToStruct(outputs)),
		"version": structpb.NewNumberValue(float64(report.Version)),
	}}
	if len(report.SkippedInputs) != 0 {
		resp.Fields["skipped_inputs"] = stringList(report.SkippedInputs)
	}
	if len(report.SkippedOutputs) != 0 {
		resp.Fields["skipped_outputs"] = stringList(report.SkippedOutputs)
	}
	return resp, nil
}
