package quality

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/constellation-rlhf/internal/encoder"
	"github.com/signalsfoundry/constellation-rlhf/internal/stats"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var limits = model.ScenarioConfig{Limits: model.CardinalityLimits{MaxSatellites: 1, MaxMissiles: 1}}

func snapshotAt(at time.Time, satX, missileSpeed float64) model.Snapshot {
	return model.Snapshot{
		SimTime: at,
		Satellites: []model.SatelliteObservation{{
			ID:         "sat-0",
			Position:   model.Vec3{X: satX},
			Velocity:   model.Vec3{Y: 7.5},
			Attitude:   model.IdentityQuaternion,
			PowerLevel: 0.9,
		}},
		Missiles: []model.MissileObservation{{
			ID:            "m-0",
			Position:      model.Vec3{X: model.EarthRadiusKm + 50},
			Velocity:      model.Vec3{Z: missileSpeed},
			ThreatLevel:   model.ThreatMedium,
			TimeToImpactS: 300,
		}},
		Visibility: [][]bool{{true}},
	}
}

func point(t *testing.T, at time.Time, missileSpeed float64) model.DataPoint {
	t.Helper()
	enc, err := encoder.New(encoder.DefaultBounds())
	require.NoError(t, err)
	state := enc.Encode(snapshotAt(at.Add(-time.Minute), model.EarthRadiusKm+800, 3), limits)
	next := enc.Encode(snapshotAt(at, model.EarthRadiusKm+800, missileSpeed), limits)
	return model.DataPoint{
		Timestamp:    at,
		State:        state,
		NextState:    next,
		Reward:       0.5,
		ActionVector: make([]float64, model.ActionDim(limits.Limits)),
	}
}

func mustController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := NewController(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestCheckFlagsFiveSigmaVelocityAndRetainsPoint(t *testing.T) {
	c := mustController(t, DefaultConfig())
	running := stats.NewFeatureStats()
	ctx := context.Background()

	// Alternate 2.9 and 3.1 km/s: mean 3, sigma 0.1.
	for i := 0; i < 40; i++ {
		speed := 2.9
		if i%2 == 1 {
			speed = 3.1
		}
		r := c.Check(ctx, point(t, t0.Add(time.Duration(i)*time.Minute), speed), running)
		require.True(t, r.Valid())
		require.False(t, r.HasAnomaly(model.AnomalyStatisticalOutlier), "warm-up point %d flagged", i)
	}
	w, ok := running.Get(FeatureMissileSpeed)
	require.True(t, ok)
	target := w.Mean() + 5*w.StdDev()

	r := c.Check(ctx, point(t, t0.Add(time.Hour), target), running)
	assert.Equal(t, model.QualityValid, r.Status)
	require.True(t, r.HasAnomaly(model.AnomalyStatisticalOutlier))
	var flagged model.Anomaly
	for _, a := range r.Anomalies {
		if a.Kind == model.AnomalyStatisticalOutlier {
			flagged = a
		}
	}
	assert.Equal(t, FeatureMissileSpeed, flagged.Feature)
	assert.InDelta(t, 5.0, flagged.Score, 1e-3)
	assert.Less(t, r.Score, 1.0)
}

func TestCheckNeedsMinimumSamples(t *testing.T) {
	c := mustController(t, DefaultConfig())
	running := stats.NewFeatureStats()
	for i := 0; i < 3; i++ {
		c.Check(context.Background(), point(t, t0.Add(time.Duration(i)*time.Minute), 3), running)
	}
	r := c.Check(context.Background(), point(t, t0.Add(time.Hour), 6.5), running)
	assert.False(t, r.HasAnomaly(model.AnomalyStatisticalOutlier))
}

func TestCheckRejectsSpeedAboveLimit(t *testing.T) {
	c := mustController(t, DefaultConfig())
	running := stats.NewFeatureStats()

	r := c.Check(context.Background(), point(t, t0, 9), running)
	assert.Equal(t, model.QualityInvalid, r.Status)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, RuleSpeedLimit, r.Failures[0].Rule)
	assert.InDelta(t, 9.0, r.Failures[0].Value, 1e-9)

	// Dropped points never reach the running statistics.
	_, ok := running.Get(FeatureMissileSpeed)
	assert.False(t, ok)
}

func TestCheckRuleToggles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules.SpeedLimit = false
	c := mustController(t, cfg)

	r := c.Check(context.Background(), point(t, t0, 9), stats.NewFeatureStats())
	assert.True(t, r.Valid())
	assert.True(t, r.HasAnomaly(model.AnomalyPhysicalConstraint))
}

func TestCheckTimeMonotonic(t *testing.T) {
	c := mustController(t, DefaultConfig())
	ctx := context.Background()

	require.True(t, c.Check(ctx, point(t, t0.Add(time.Minute), 3), nil).Valid())
	// Equal timestamps are allowed.
	require.True(t, c.Check(ctx, point(t, t0.Add(time.Minute), 3), nil).Valid())

	r := c.Check(ctx, point(t, t0, 3), nil)
	require.False(t, r.Valid())
	assert.Equal(t, RuleTimeMonotonic, r.Failures[0].Rule)

	c.ResetEpisode()
	assert.True(t, c.Check(ctx, point(t, t0, 3), nil).Valid())
}

func TestCheckTimeGapAnomaly(t *testing.T) {
	c := mustController(t, DefaultConfig())
	ctx := context.Background()
	c.Check(ctx, point(t, t0, 3), nil)
	r := c.Check(ctx, point(t, t0.Add(2*time.Hour), 3), nil)
	assert.True(t, r.Valid())
	assert.True(t, r.HasAnomaly(model.AnomalyTimeGap))
}

func TestCheckPositionBoundsAndJump(t *testing.T) {
	enc, err := encoder.New(encoder.DefaultBounds())
	require.NoError(t, err)
	c := mustController(t, DefaultConfig())

	low := point(t, t0, 3)
	low.NextState = enc.Encode(snapshotAt(t0, model.EarthRadiusKm+50, 3), limits)
	r := c.Check(context.Background(), low, nil)
	require.False(t, r.Valid())
	assert.Equal(t, RulePositionBounds, r.Failures[0].Rule)

	jump := point(t, t0, 3)
	jump.NextState = enc.Encode(snapshotAt(t0, model.EarthRadiusKm+800+5000, 3), limits)
	r = c.Check(context.Background(), jump, nil)
	require.True(t, r.Valid())
	assert.True(t, r.HasAnomaly(model.AnomalyPositionJump))
}

func TestCheckFiniteFields(t *testing.T) {
	c := mustController(t, DefaultConfig())
	dp := point(t, t0, 3)
	dp.Reward = math.NaN()
	r := c.Check(context.Background(), dp, nil)
	require.False(t, r.Valid())
	assert.Equal(t, RuleFiniteFields, r.Failures[0].Rule)

	bad := point(t, t0, 3)
	bad.Action = model.ActionSpec{Satellites: map[string]model.SatelliteControl{"sat-0": {Power: model.PowerAllocation{Payload: 2}}}}
	assert.False(t, c.Check(context.Background(), bad, nil).Valid())
}

func TestNewControllerRejectsBadThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutlierSigma = 0
	_, err := NewController(cfg, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func powerPoint(t *testing.T, at time.Time, power float64) model.DataPoint {
	t.Helper()
	enc, err := encoder.New(encoder.DefaultBounds())
	require.NoError(t, err)
	dp := point(t, at, 3)
	s := snapshotAt(at, model.EarthRadiusKm+800, 3)
	s.Satellites[0].PowerLevel = power
	dp.NextState = enc.Encode(s, limits)
	return dp
}

// alternating returns 0.89 and 0.91 in turn: mean 0.9, sigma 0.01.
func alternating(i int) float64 {
	if i%2 == 1 {
		return 0.91
	}
	return 0.89
}

func outlierFeatures(r model.QualityReport) []string {
	var out []string
	for _, a := range r.Anomalies {
		if a.Kind == model.AnomalyStatisticalOutlier {
			out = append(out, a.Feature)
		}
	}
	return out
}

func TestCheckFlagsPowerLevelOutlier(t *testing.T) {
	c := mustController(t, DefaultConfig())
	running := stats.NewFeatureStats()
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		r := c.Check(ctx, powerPoint(t, t0.Add(time.Duration(i)*time.Minute), alternating(i)), running)
		require.True(t, r.Valid())
		require.Empty(t, outlierFeatures(r), "warm-up point %d flagged", i)
	}

	r := c.Check(ctx, powerPoint(t, t0.Add(time.Hour), 0.2), running)
	require.True(t, r.Valid())
	assert.Equal(t, []string{FeatureSatellitePower}, outlierFeatures(r))
}

func TestCheckRejectsMalformedState(t *testing.T) {
	c := mustController(t, DefaultConfig())
	enc, err := encoder.New(encoder.DefaultBounds())
	require.NoError(t, err)

	dp := point(t, t0, 3)
	broken := snapshotAt(t0.Add(-time.Minute), model.EarthRadiusKm+800, 3)
	broken.Satellites[0].Velocity.Y = math.Inf(1)
	dp.State = enc.Encode(broken, limits)

	r := c.Check(context.Background(), dp, nil)
	require.False(t, r.Valid())
	assert.Equal(t, RuleFiniteFields, r.Failures[0].Rule)
	assert.Equal(t, "state.satellites[sat-0].velocity.y", r.Failures[0].Field)

	assert.NotEmpty(t, c.CheckState(dp.State))
	assert.Empty(t, c.CheckState(dp.NextState))
}

func TestFlagOutliersUsesEarlierEpisodes(t *testing.T) {
	c := mustController(t, DefaultConfig())

	var first model.EpisodeRecord
	for i := 0; i < 12; i++ {
		first.Points = append(first.Points, powerPoint(t, t0.Add(time.Duration(i)*time.Minute), alternating(i)))
	}
	short := powerPoint(t, t0.Add(time.Hour), 0.2)
	short.Quality.Anomalies = []model.Anomaly{
		{Kind: model.AnomalyTimeGap, Feature: "timestamp"},
		{Kind: model.AnomalyStatisticalOutlier, Feature: "stale"},
	}
	second := model.EpisodeRecord{Points: []model.DataPoint{short}}

	episodes := []model.EpisodeRecord{first, second}
	n := c.FlagOutliers(episodes, stats.NewFeatureStats())
	assert.Equal(t, 1, n)
	for _, p := range episodes[0].Points {
		assert.Empty(t, outlierFeatures(p.Quality))
	}
	got := episodes[1].Points[0].Quality
	assert.Equal(t, []string{FeatureSatellitePower}, outlierFeatures(got))
	assert.True(t, got.HasAnomaly(model.AnomalyTimeGap))
	assert.Equal(t, 2, episodes[1].Anomalies)
	assert.Less(t, got.Score, 1.0)

	// The baseline is whatever came before in the given order.
	reversed := []model.EpisodeRecord{second, first}
	assert.Zero(t, c.FlagOutliers(reversed, stats.NewFeatureStats()))
}
