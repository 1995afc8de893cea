package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/observability"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

// The policy service carries JSON-encoded StateVector requests and
// ActionSpec responses inside BytesValue envelopes.
const (
	ServiceName        = "rlhf.policy.v1.PolicyService"
	SelectActionMethod = "/" + ServiceName + "/SelectAction"
)

// PolicyServiceServer is the server side of the policy service.
type PolicyServiceServer interface {
	SelectAction(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PolicyServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SelectAction", Handler: selectActionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rlhf/policy/v1/policy.proto",
}

func selectActionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PolicyServiceServer).SelectAction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SelectActionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PolicyServiceServer).SelectAction(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterPolicyServiceServer registers srv on s.
func RegisterPolicyServiceServer(s grpc.ServiceRegistrar, srv PolicyServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ActionRecorder observes the actions a Server returns.
// observability.RPCCollector implements it.
type ActionRecorder interface {
	ObserveAction(action model.ActionSpec)
}

// Server exposes a local Policy over gRPC.
type Server struct {
	policy  Policy
	log     logging.Logger
	metrics ActionRecorder
}

// NewServer wraps p.
func NewServer(p Policy, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{policy: p, log: log}
}

// SelectAction decodes the state, consults the wrapped policy and returns the
// validated action.
func (s *Server) SelectAction(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	log := logging.FromContext(ctx, s.log)
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "state is required")
	}
	var state model.StateVector
	if err := json.Unmarshal(req.GetValue(), &state); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode state: %v", err)
	}
	action, err := s.policy.SelectAction(ctx, state)
	if err != nil {
		log.Warn(ctx, "policy failed", logging.Err(err))
		return nil, ToStatusError(err)
	}
	if err := action.Validate(); err != nil {
		log.Warn(ctx, "policy returned invalid action", logging.Err(err))
		return nil, ToStatusError(err)
	}
	raw, err := json.Marshal(action)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode action: %v", err)
	}
	if s.metrics != nil {
		s.metrics.ObserveAction(action)
	}
	log.Debug(ctx, "action selected",
		logging.Int("assignments", len(action.Mission.Assignments)),
		logging.Int("satellites", len(action.Satellites)),
	)
	return wrapperspb.Bytes(raw), nil
}

// NewGRPCServer builds a gRPC server hosting p with request-id logging,
// RPC metrics and OpenTelemetry instrumentation. rpc may be nil.
func NewGRPCServer(p Policy, log logging.Logger, rpc *observability.RPCCollector, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = logging.Noop()
	}
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			rpc.UnaryServerInterceptor(),
		),
	}, opts...)
	srv := grpc.NewServer(opts...)
	server := NewServer(p, log)
	if rpc != nil {
		server.metrics = rpc
	}
	RegisterPolicyServiceServer(srv, server)
	return srv
}

// Remote is a Policy served by a policy service over gRPC.
type Remote struct {
	conn  grpc.ClientConnInterface
	close func() error
}

// Dial connects to a policy service at target. Callers supply transport
// credentials through opts.
func Dial(target string, opts ...grpc.DialOption) (*Remote, error) {
	opts = append([]grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial policy service %s: %w", target, err)
	}
	return &Remote{conn: conn, close: conn.Close}, nil
}

// NewRemote uses an existing connection, which the caller keeps ownership of.
func NewRemote(conn grpc.ClientConnInterface) *Remote {
	return &Remote{conn: conn}
}

// SelectAction sends state to the remote policy. The request id on ctx, if
// any, is forwarded as x-request-id.
func (r *Remote) SelectAction(ctx context.Context, state model.StateVector) (model.ActionSpec, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return model.ActionSpec{}, fmt.Errorf("encode state: %w", err)
	}
	if id := logging.RequestIDFromContext(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, id)
	}
	out := new(wrapperspb.BytesValue)
	if err := r.conn.Invoke(ctx, SelectActionMethod, wrapperspb.Bytes(raw), out); err != nil {
		return model.ActionSpec{}, fromStatusError(err)
	}
	var action model.ActionSpec
	if err := json.Unmarshal(out.GetValue(), &action); err != nil {
		return model.ActionSpec{}, fmt.Errorf("decode action: %w", err)
	}
	if err := action.Validate(); err != nil {
		return model.ActionSpec{}, err
	}
	return action, nil
}

// Close releases the connection if Remote created it.
func (r *Remote) Close() error {
	if r == nil || r.close == nil {
		return nil
	}
	return r.close()
}

// fromStatusError restores the context and validation sentinels a remote
// call failed with.
func fromStatusError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", model.ErrValidation, st.Message())
	default:
		return errors.New(st.String())
	}
}
