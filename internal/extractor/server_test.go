package extractor

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/palm-verify/internal/palm"
)

// registerServer serves impl over the protocol GRPCClient speaks, standing
// in for the model service.
func registerServer(s grpc.ServiceRegistrar, impl Extractor) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Extractor)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Extract",
			Handler:    extractHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "palmprint/v1/extractor.proto",
}

func extractHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		tensor, err := decodeTensor(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		embedding, err := srv.(Extractor).Extract(ctx, tensor)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return encodeEmbedding(embedding), nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: extractMethod}
	return interceptor(ctx, in, info, handle)
}

func decodeTensor(msg *structpb.Struct) (palm.Tensor, error) {
	shape := msg.GetFields()["shape"].GetListValue().GetValues()
	if len(shape) != 3 {
		return palm.Tensor{}, fmt.Errorf("expected 3 shape dimensions, got %d", len(shape))
	}
	tensor := palm.Tensor{
		Channels: int(shape[0].GetNumberValue()),
		Height:   int(shape[1].GetNumberValue()),
		Width:    int(shape[2].GetNumberValue()),
	}
	values := msg.GetFields()["data"].GetListValue().GetValues()
	if len(values) != tensor.Channels*tensor.Height*tensor.Width {
		return palm.Tensor{}, fmt.Errorf("tensor data has %d values for shape %v", len(values), tensor.Shape())
	}
	tensor.Data = make([]float32, len(values))
	for i, v := range values {
		tensor.Data[i] = float32(v.GetNumberValue())
	}
	return tensor, nil
}

func encodeEmbedding(embedding palm.Embedding) *structpb.Struct {
	values := make([]*structpb.Value, len(embedding))
	for i, v := range embedding {
		values[i] = structpb.NewNumberValue(float64(v))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"embedding": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}
