package extractor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/palm-verify/internal/logging"
	"github.com/example/palm-verify/internal/palm"
)

const (
	serviceName   = "palmprint.v1.FeatureExtractor"
	extractMethod = "/" + serviceName + "/Extract"
)

// Dial returns a ready-to-use gRPC extractor client for the model service.
func Dial(ctx context.Context, addr string, logger *zap.Logger) (*GRPCClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("extractor.dial", "", err)
		logger.Error("failed to dial feature extractor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewGRPCClient(conn, logger), conn, nil
}

// GRPCClient calls a remote model service. Tensors and embeddings travel as
// google.protobuf.Struct messages.
type GRPCClient struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewGRPCClient wraps an existing connection.
func NewGRPCClient(conn grpc.ClientConnInterface, logger *zap.Logger) *GRPCClient {
	return &GRPCClient{conn: conn, logger: logger.Named("extractor")}
}

// Extract implements Extractor.
func (g *GRPCClient) Extract(ctx context.Context, tensor palm.Tensor) (palm.Embedding, error) {
	req, err := EncodeTensor(tensor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", palm.ErrExtraction, err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, extractMethod, req, resp); err != nil {
		g.logger.Error("extractor call failed", zap.Error(err))
		if status.Code(err) == codes.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %w: %w", palm.ErrTimeout, palm.ErrExtraction, err)
		}
		return nil, fmt.Errorf("%w: %w", palm.ErrExtraction, err)
	}

	embedding, err := DecodeEmbedding(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", palm.ErrExtraction, err)
	}
	return embedding, nil
}

// EncodeTensor builds the request message: {"shape": [c, h, w], "data": [...]}.
func EncodeTensor(tensor palm.Tensor) (*structpb.Struct, error) {
	if len(tensor.Data) != tensor.Channels*tensor.Height*tensor.Width {
		return nil, fmt.Errorf("tensor data has %d values for shape %v", len(tensor.Data), tensor.Shape())
	}
	shape := tensor.Shape()
	shapeValues := make([]*structpb.Value, len(shape))
	for i, d := range shape {
		shapeValues[i] = structpb.NewNumberValue(float64(d))
	}
	data := make([]*structpb.Value, len(tensor.Data))
	for i, v := range tensor.Data {
		data[i] = structpb.NewNumberValue(float64(v))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"shape": structpb.NewListValue(&structpb.ListValue{Values: shapeValues}),
		"data":  structpb.NewListValue(&structpb.ListValue{Values: data}),
	}}, nil
}

// DecodeEmbedding reads the response message: {"embedding": [...]}.
func DecodeEmbedding(msg *structpb.Struct) (palm.Embedding, error) {
	values := msg.GetFields()["embedding"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, fmt.Errorf("response carries no embedding")
	}
	embedding := make(palm.Embedding, len(values))
	for i, v := range values {
		embedding[i] = float32(v.GetNumberValue())
	}
	return embedding, nil
}
