package policy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/observability"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

func startServer(t *testing.T, p Policy, rpc *observability.RPCCollector) *Remote {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(p, logging.Noop(), rpc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	remote, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })
	return remote
}

func TestRemoteMatchesLocalPolicy(t *testing.T) {
	reg := prometheus.NewRegistry()
	rpc, err := observability.NewRPCCollector(reg)
	require.NoError(t, err)

	local := NewGreedy()
	remote := startServer(t, local, rpc)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want, err := local.SelectAction(ctx, sceneState())
	require.NoError(t, err)
	got, err := remote.SelectAction(logging.ContextWithRequestID(ctx, "req-1"), sceneState())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.Equal(t, 1.0, testutil.ToFloat64(rpc.RPCRequests.WithLabelValues("PolicyService", "SelectAction", codes.OK.String())))

	families, err := reg.Gather()
	require.NoError(t, err)
	var served float64
	for _, mf := range families {
		if mf.GetName() == "rlhf_policy_assignments" {
			served = mf.GetMetric()[0].GetHistogram().GetSampleSum()
		}
	}
	assert.Equal(t, float64(len(want.Mission.Assignments)), served)
}

func TestRemoteSurfacesPolicyErrors(t *testing.T) {
	invalid := Func(func(context.Context, model.StateVector) (model.ActionSpec, error) {
		return model.ActionSpec{Satellites: map[string]model.SatelliteControl{
			"sat-a": {PointingMode: model.PointingTracking, Power: model.PowerAllocation{Payload: 2}},
		}}, nil
	})
	remote := startServer(t, invalid, nil)
	_, err := remote.SelectAction(context.Background(), sceneState())
	assert.ErrorIs(t, err, model.ErrValidation)

	remote = startServer(t, NewScripted(), nil)
	_, err = remote.SelectAction(context.Background(), sceneState())
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrValidation)
}

func TestRemoteDeadline(t *testing.T) {
	slow := Func(func(ctx context.Context, _ model.StateVector) (model.ActionSpec, error) {
		<-ctx.Done()
		return model.ActionSpec{}, ctx.Err()
	})
	remote := startServer(t, slow, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := remote.SelectAction(ctx, sceneState())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestIDInterceptor(t *testing.T) {
	var seen string
	handler := func(ctx context.Context, _ any) (any, error) {
		seen = logging.RequestIDFromContext(ctx)
		return nil, nil
	}
	icpt := RequestIDUnaryServerInterceptor(nil)
	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: SelectActionMethod}, handler)
	require.NoError(t, err)
	assert.NotEmpty(t, seen)
}

func TestToStatusError(t *testing.T) {
	assert.NoError(t, ToStatusError(nil))
	assert.Equal(t, codes.InvalidArgument, status.Code(ToStatusError(model.ErrValidation)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(ToStatusError(&model.TimeoutError{Call: "select_action"})))
	assert.Equal(t, codes.Canceled, status.Code(ToStatusError(context.Canceled)))
	assert.Equal(t, codes.FailedPrecondition, status.Code(ToStatusError(ErrNoActions)))

	already := status.Error(codes.Unavailable, "down")
	assert.Equal(t, already, ToStatusError(already))
}
