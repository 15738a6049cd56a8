package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"NetAnomaly/internal/model"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The scoring service carries the feature vector as a google.protobuf.ListValue
// and answers with a google.protobuf.DoubleValue, so both sides only need the
// well-known types.
const (
	scorerServiceName = "netanomaly.scoring.v1.Scorer"
	scoreMethod       = "/" + scorerServiceName + "/Score"
)

var scorerServiceDesc = grpc.ServiceDesc{
	ServiceName: scorerServiceName,
	HandlerType: (*model.Scorer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Score",
			Handler:    scoreHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "netanomaly/scoring/v1/scorer.proto",
}

// RegisterScorerServer exposes scorer on s.
func RegisterScorerServer(s grpc.ServiceRegistrar, scorer model.Scorer) {
	s.RegisterService(&scorerServiceDesc, scorer)
}

func scoreHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.ListValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		v, err := vectorFromList(req.(*structpb.ListValue))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		score, err := srv.(model.Scorer).Score(ctx, v)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return wrapperspb.Double(score), nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}
	return interceptor(ctx, in, info, handle)
}

func vectorToList(v model.Vector) *structpb.ListValue {
	values := make([]*structpb.Value, len(v))
	for i, x := range v {
		values[i] = structpb.NewNumberValue(x)
	}
	return &structpb.ListValue{Values: values}
}

func vectorFromList(l *structpb.ListValue) (model.Vector, error) {
	var v model.Vector
	if len(l.GetValues()) != model.FeatureCount {
		return v, fmt.Errorf("expected %d features, got %d", model.FeatureCount, len(l.GetValues()))
	}
	for i, val := range l.GetValues() {
		n, ok := val.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return v, fmt.Errorf("feature %d is not a number", i)
		}
		v[i] = n.NumberValue
	}
	return v, nil
}

// RemoteScorer calls a scoring service over gRPC.
type RemoteScorer struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// DialRemote connects to the scoring service at addr. Each call is bounded by
// timeout when it is positive.
func DialRemote(addr string, timeout time.Duration, opts ...grpc.DialOption) (*RemoteScorer, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scorer at %s: %w", addr, err)
	}
	return &RemoteScorer{conn: conn, timeout: timeout}, nil
}

// Score implements model.Scorer.
func (r *RemoteScorer) Score(ctx context.Context, v model.Vector) (float64, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	out := new(wrapperspb.DoubleValue)
	if err := r.conn.Invoke(ctx, scoreMethod, vectorToList(v), out); err != nil {
		return math.NaN(), fmt.Errorf("%w: %v", model.ErrScorerFailure, err)
	}
	return checkScore(out.GetValue())
}

// Close releases the connection.
func (r *RemoteScorer) Close() error {
	return r.conn.Close()
}
