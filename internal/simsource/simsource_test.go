package simsource

import (
	"context"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/constellation-rlhf/internal/encoder"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func scenario() model.ScenarioConfig {
	return model.ScenarioConfig{
		ID:            "sc-walker",
		Type:          model.ScenarioMultipleThreats,
		Difficulty:    model.DifficultyMedium,
		MissileCount:  2,
		LaunchWindow:  model.Range{Min: 0, Max: 60},
		LaunchOffsets: []float64{0, 30},
		Constellation: model.ConstellationShape{Planes: 6, SatellitesPerPlane: 4},
		Orbit:         model.OrbitalParameters{AltitudeKm: 5000, InclinationDeg: 55, Eccentricity: 0.0001},
		Environment:   model.EnvironmentParameters{TimeOfDay: "day", Season: "summer", SolarActivity: "low"},
		Threat:        model.ThreatProfile{Type: model.ScenarioMultipleThreats, Multiple: &model.MultipleThreats{LaunchSites: 2}},
		Limits:        model.CardinalityLimits{MaxSatellites: 24, MaxMissiles: 2},
		Time:          model.TimeConstraints{DurationS: 3600, DecisionIntervalS: 30, MaxResponseTimeS: 120},
		Seed:          7,
	}
}

func TestScriptedReplaysSnapshots(t *testing.T) {
	snaps := LinearScript(2, start)(scenario())
	require.Len(t, snaps, 3)
	src := NewScripted(snaps)
	ctx := context.Background()

	var times []time.Time
	for {
		s, err := src.Snapshot(ctx)
		require.NoError(t, err)
		times = append(times, s.SimTime)
		if src.Terminated() {
			break
		}
		require.NoError(t, src.Advance(ctx))
	}
	assert.Equal(t, []time.Time{start, start.Add(30 * time.Second), start.Add(60 * time.Second)}, times)
	assert.ErrorIs(t, src.Advance(ctx), ErrTerminated)

	require.NoError(t, src.Apply(ctx, model.ActionSpec{}))
	assert.Len(t, src.Applied(), 1)
}

func TestScriptedBlockingAndFailingSteps(t *testing.T) {
	snaps := LinearScript(3, start)(scenario())
	src := NewScripted(snaps, WithBlockingSnapshot(1), WithBlockingAdvance(2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := src.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Advance(ctx))
	_, err = src.Snapshot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	bg := context.Background()
	require.NoError(t, src.Advance(bg))
	short, cancelShort := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, src.Advance(short), context.DeadlineExceeded)

	boom := errors.New("engine crashed")
	failing := NewScripted(snaps, WithSnapshotError(1, boom))
	require.NoError(t, failing.Advance(bg))
	_, err = failing.Snapshot(bg)
	assert.ErrorIs(t, err, boom)
}

func TestScriptedEngineAppliesPerScenarioOptions(t *testing.T) {
	eng := NewScriptedEngine(LinearScript(2, start)).For("slow", WithBlockingSnapshot(0))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	fast := scenario()
	src, err := eng.Open(ctx, fast)
	require.NoError(t, err)
	_, err = src.Snapshot(ctx)
	require.NoError(t, err)

	slow := scenario()
	slow.ID = "slow"
	src, err = eng.Open(ctx, slow)
	require.NoError(t, err)
	_, err = src.Snapshot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, []string{"sc-walker", "slow"}, eng.Opened())
	_, ok := eng.Source("slow")
	assert.True(t, ok)
}

func TestLinearScriptEncodesCleanly(t *testing.T) {
	cfg := scenario()
	cfg.Constellation = model.ConstellationShape{Planes: 2, SatellitesPerPlane: 2}
	cfg.Limits = model.CardinalityLimits{MaxSatellites: 4, MaxMissiles: 2}
	a := LinearScript(10, start)(cfg)
	b := LinearScript(10, start)(cfg)
	require.Equal(t, a, b)

	enc, err := encoder.New(encoder.DefaultBounds())
	require.NoError(t, err)
	for k, snap := range a {
		sv := enc.Encode(snap, cfg)
		assert.Empty(t, sv.Issues, "snapshot %d", k)
		assert.Equal(t, 2, sv.ValidMissiles(), "snapshot %d", k)
		for i := range snap.Satellites {
			assert.True(t, snap.Visible(i, 0), "snapshot %d satellite %d", k, i)
		}
	}
}

func TestSyntheticTLEColumns(t *testing.T) {
	l1, l2 := syntheticTLE(42, start, 53, 370, 0.00125, -10, 12.5, revsPerDay(550))
	require.Len(t, l1, 69)
	require.Len(t, l2, 69)

	assert.Equal(t, "25", l1[18:20])
	days, err := strconv.ParseFloat(l1[20:32], 64)
	require.NoError(t, err)
	assert.InDelta(t, 152.5, days, 1e-8)

	assert.Equal(t, " 53.0000", l2[8:16])
	assert.Equal(t, " 10.0000", l2[17:25])
	assert.Equal(t, "0012500", l2[26:33])
	assert.Equal(t, "350.0000", l2[34:42])
	n, err := strconv.ParseFloat(l2[52:63], 64)
	require.NoError(t, err)
	assert.InDelta(t, 15.05, n, 0.1)

	assert.Equal(t, tleChecksum(l1[:68]), l1[68:])
	assert.Equal(t, tleChecksum(l2[:68]), l2[68:])
}

func TestWalkerEngineValidatesInputs(t *testing.T) {
	bad := DefaultWalkerConfig()
	bad.MaxRangeKm = bad.MinRangeKm - 1
	_, err := NewWalkerEngine(bad, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	eng, err := NewWalkerEngine(DefaultWalkerConfig(), nil)
	require.NoError(t, err)
	sc := scenario()
	sc.Constellation = model.ConstellationShape{}
	_, err = eng.Open(context.Background(), sc)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestWalkerSceneIsPhysicalAndDeterministic(t *testing.T) {
	eng, err := NewWalkerEngine(DefaultWalkerConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	sc := scenario()

	first := func() model.Snapshot {
		src, err := eng.Open(ctx, sc)
		require.NoError(t, err)
		snap, err := src.Snapshot(ctx)
		require.NoError(t, err)
		return snap
	}
	a, b := first(), first()
	require.Equal(t, a, b)
	assert.Equal(t, StartTime(time.Time{}, sc.Environment), a.SimTime)

	src, err := eng.Open(ctx, sc)
	require.NoError(t, err)
	prev := time.Time{}
	for step := 0; step < 10 && !src.Terminated(); step++ {
		snap, err := src.Snapshot(ctx)
		require.NoError(t, err)
		if !prev.IsZero() {
			assert.Equal(t, 30*time.Second, snap.SimTime.Sub(prev))
		}
		prev = snap.SimTime

		require.Len(t, snap.Satellites, 24)
		for _, s := range snap.Satellites {
			alt := s.Position.Norm() - model.EarthRadiusKm
			assert.InDelta(t, 5000, alt, 300, "satellite %s altitude", s.ID)
			assert.Less(t, s.Velocity.Norm(), 8.0)
		}
		for _, m := range snap.Missiles {
			alt := m.Position.Norm() - model.EarthRadiusKm
			assert.GreaterOrEqual(t, alt, -1e-6)
			assert.LessOrEqual(t, alt, 1200+1e-6)
			assert.Less(t, m.Velocity.Norm(), 7.0)
			assert.Greater(t, m.TimeToImpactS, 0.0)
		}
		require.NoError(t, src.Advance(ctx))
	}
}

func TestWalkerTrackingNeutralizesMissiles(t *testing.T) {
	cfg := DefaultWalkerConfig()
	cfg.SensorRangeKm = 20000
	cfg.NeutralizeAfterS = 30
	eng, err := NewWalkerEngine(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	src, err := eng.Open(ctx, scenario())
	require.NoError(t, err)
	w := src.(*Walker)

	var progress float64
	steps := 0
	for ; steps < 120 && !w.Terminated(); steps++ {
		snap, err := w.Snapshot(ctx)
		require.NoError(t, err)
		progress = math.Max(progress, snap.MissionProgress)

		action := model.ActionSpec{Satellites: map[string]model.SatelliteControl{}}
		for j, m := range snap.Missiles {
			for i, s := range snap.Satellites {
				if snap.Visible(i, j) {
					action.Satellites[s.ID] = model.SatelliteControl{PointingMode: model.PointingTracking, PointingTarget: m.ID}
					action.Mission.Assignments = append(action.Mission.Assignments, model.TargetAssignment{SatelliteID: s.ID, TargetID: m.ID, Priority: 5})
					break
				}
			}
		}
		require.NoError(t, w.Apply(ctx, action))
		require.NoError(t, w.Advance(ctx))
	}

	require.True(t, w.Terminated())
	assert.Less(t, steps, 120)
	assert.ErrorIs(t, w.Advance(ctx), ErrTerminated)
	last, err := w.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, math.Max(progress, last.MissionProgress))
}

func TestShadowAndSun(t *testing.T) {
	noon := time.Date(2025, 3, 21, 12, 0, 0, 0, time.UTC)
	sun := sunDirection(noon)
	assert.InDelta(t, 1, sun.Norm(), 1e-12)
	assert.Greater(t, sun.X, 0.99)

	behind := model.Vec3{X: -(model.EarthRadiusKm + 500)}
	assert.True(t, inShadow(behind, sun))
	assert.False(t, inShadow(model.Vec3{X: model.EarthRadiusKm + 500}, sun))
	assert.False(t, inShadow(model.Vec3{X: -1000, Y: model.EarthRadiusKm + 500}, sun))
}
