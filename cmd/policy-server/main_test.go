package main

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
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/observability"
	"github.com/signalsfoundry/constellation-rlhf/internal/policy"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

func TestPolicyServerStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rpc, err := observability.NewRPCCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, logging.Noop(), lis, rpc)
	}()

	remote, err := policy.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer remote.Close()

	state := model.StateVector{
		Satellites: []model.SatelliteSlot{{Valid: true, ID: "sat-1", Attitude: model.Quaternion{W: 1}, PayloadOperational: true}},
		Missiles:   []model.MissileSlot{{Valid: true, ID: "m-1", TimeToImpact: 0.5, ThreatLevel: 1}},
		Visibility: [][]bool{{true}},
	}
	action, err := remote.SelectAction(ctx, state)
	require.NoError(t, err)
	require.Len(t, action.Mission.Assignments, 1)
	assert.Equal(t, "sat-1", action.Mission.Assignments[0].SatelliteID)
	assert.Equal(t, "m-1", action.Mission.Assignments[0].TargetID)
	assert.Equal(t, 1, testutil.CollectAndCount(rpc.RPCRequests))

	cancel()
	require.NoError(t, <-errCh)
}
