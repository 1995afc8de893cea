package encoder

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

var testStart = time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)

func testConfig(maxSats, maxMissiles int) model.ScenarioConfig {
	return model.ScenarioConfig{
		Limits:      model.CardinalityLimits{MaxSatellites: maxSats, MaxMissiles: maxMissiles},
		Environment: model.EnvironmentParameters{Season: "autumn", SolarActivity: "high"},
	}
}

func leoSatellite(id string, priority float64) model.SatelliteObservation {
	return model.SatelliteObservation{
		ID:         id,
		Position:   model.Vec3{X: model.EarthRadiusKm + 800},
		Velocity:   model.Vec3{Y: 7.5},
		Attitude:   model.IdentityQuaternion,
		PowerLevel: 0.8,
		Payload:    model.PayloadStatus{Operational: true, Mode: model.PointingTracking},
		Priority:   priority,
	}
}

func missile(id string, tti float64, level model.ThreatLevel) model.MissileObservation {
	return model.MissileObservation{
		ID:            id,
		Position:      model.Vec3{X: model.EarthRadiusKm + 100},
		Velocity:      model.Vec3{Z: 3},
		ThreatLevel:   level,
		TimeToImpactS: tti,
	}
}

func mustEncoder(t *testing.T) *Encoder {
	t.Helper()
	enc, err := New(DefaultBounds())
	require.NoError(t, err)
	return enc
}

func TestEncodeFixedLengthAndPadding(t *testing.T) {
	enc := mustEncoder(t)
	snap := model.Snapshot{
		SimTime:    testStart,
		Satellites: []model.SatelliteObservation{leoSatellite("sat-0", 1)},
		Missiles:   []model.MissileObservation{missile("m-0", 300, model.ThreatHigh)},
		Visibility: [][]bool{{true}},
	}
	sv := enc.Encode(snap, testConfig(3, 2))

	require.Len(t, sv.Values, model.StateDim(model.CardinalityLimits{MaxSatellites: 3, MaxMissiles: 2}))
	assert.True(t, sv.Satellites[0].Valid)
	assert.False(t, sv.Satellites[1].Valid)
	assert.False(t, sv.Missiles[1].Valid)
	assert.Equal(t, 1.0, sv.Values[0])
	assert.Equal(t, 0.0, sv.Values[model.SatelliteSlotWidth])
	assert.Empty(t, sv.Issues)

	assert.InDelta(t, 0.25, sv.Environment.TimeOfDay, 1e-12)
	assert.InDelta(t, 2.0/3, sv.Environment.Season, 1e-12)
	assert.InDelta(t, 1.0, sv.Environment.SolarActivity, 1e-12)
	assert.InDelta(t, 0.75, sv.Missiles[0].ThreatLevel, 1e-12)
	assert.InDelta(t, 1.0, sv.Missiles[0].Coverage, 1e-12)
	assert.True(t, sv.Visibility[0][0])
}

func TestEncodeTruncatesMissilesByTimeToImpact(t *testing.T) {
	enc := mustEncoder(t)
	snap := model.Snapshot{
		SimTime: testStart,
		Missiles: []model.MissileObservation{
			missile("m-late", 900, model.ThreatCritical),
			missile("m-b", 100, model.ThreatLow),
			missile("m-a", 100, model.ThreatLow),
			missile("m-urgent", 100, model.ThreatHigh),
		},
	}
	sv := enc.Encode(snap, testConfig(1, 3))

	ids := []string{sv.Missiles[0].ID, sv.Missiles[1].ID, sv.Missiles[2].ID}
	assert.Equal(t, []string{"m-urgent", "m-a", "m-b"}, ids)
}

func TestEncodeTruncatesSatellitesByPriority(t *testing.T) {
	enc := mustEncoder(t)
	snap := model.Snapshot{
		SimTime: testStart,
		Satellites: []model.SatelliteObservation{
			leoSatellite("sat-c", 1),
			leoSatellite("sat-b", 1),
			leoSatellite("sat-a", 5),
		},
		Missiles:   []model.MissileObservation{missile("m-0", 100, model.ThreatLow)},
		Visibility: [][]bool{{false}, {true}, {false}},
	}
	sv := enc.Encode(snap, testConfig(2, 1))

	assert.Equal(t, "sat-a", sv.Satellites[0].ID)
	// Equal priority: the satellite that sees a missile wins.
	assert.Equal(t, "sat-b", sv.Satellites[1].ID)
	assert.False(t, sv.Visibility[0][0])
	assert.True(t, sv.Visibility[1][0])
}

func TestEncodeRecordsMalformedFields(t *testing.T) {
	enc := mustEncoder(t)
	sat := leoSatellite("sat-0", 1)
	sat.Position.X = math.NaN()
	sat.Attitude = model.Quaternion{}
	fast := missile("m-0", 100, model.ThreatLow)
	fast.Velocity = model.Vec3{Z: 20}

	sv := enc.Encode(model.Snapshot{
		SimTime:    testStart,
		Satellites: []model.SatelliteObservation{sat},
		Missiles:   []model.MissileObservation{fast},
	}, testConfig(1, 1))

	kinds := map[string]model.IssueKind{}
	for _, is := range sv.Issues {
		kinds[is.Field] = is.Kind
		assert.False(t, math.IsNaN(is.Value) || math.IsInf(is.Value, 0), "issue %s", is.Field)
	}
	assert.Equal(t, model.IssueNonFinite, kinds["satellites[sat-0].position.x"])
	assert.Equal(t, model.IssueDegenerate, kinds["satellites[sat-0].attitude"])
	assert.Equal(t, model.IssueOutOfBounds, kinds["missiles[m-0].speed_kms"])

	// Out-of-bound values are kept scaled, not clamped.
	assert.InDelta(t, 20/DefaultBounds().MaxMissileSpeedKms, sv.Missiles[0].Velocity.Z, 1e-12)
	assert.Equal(t, model.IdentityQuaternion, sv.Satellites[0].Attitude)
	for _, v := range sv.Values {
		assert.False(t, math.IsNaN(v))
	}
}

func TestEncodeSkipsNeutralizedMissiles(t *testing.T) {
	enc := mustEncoder(t)
	done := missile("m-0", 10, model.ThreatHigh)
	done.Neutralized = true
	sv := enc.Encode(model.Snapshot{
		SimTime:  testStart,
		Missiles: []model.MissileObservation{done, missile("m-1", 50, model.ThreatLow)},
	}, testConfig(1, 2))

	assert.Equal(t, "m-1", sv.Missiles[0].ID)
	assert.Equal(t, 1, sv.ValidMissiles())
	assert.InDelta(t, 0.5, sv.Mission.ActiveTargets, 1e-12)
}

func TestNewRejectsZeroScale(t *testing.T) {
	b := DefaultBounds()
	b.MaxMissileSpeedKms = 0
	_, err := New(b)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestEncodeActionLayout(t *testing.T) {
	enc := mustEncoder(t)
	snap := model.Snapshot{
		SimTime:    testStart,
		Satellites: []model.SatelliteObservation{leoSatellite("sat-0", 1)},
		Missiles:   []model.MissileObservation{missile("m-0", 100, model.ThreatLow), missile("m-1", 200, model.ThreatLow)},
	}
	state := enc.Encode(snap, testConfig(2, 2))
	action := model.ActionSpec{
		Satellites: map[string]model.SatelliteControl{
			"sat-0":   {AttitudeTarget: model.Quaternion{W: 2}, PointingTarget: "m-1", PointingMode: model.PointingTracking, Power: model.PowerAllocation{Payload: 1}},
			"sat-off": {PointingMode: model.PointingScanning, Power: model.PowerAllocation{Payload: 1}},
		},
		Mission: model.MissionControl{Assignments: []model.TargetAssignment{
			{SatelliteID: "sat-0", TargetID: "m-1", Priority: 4},
			{SatelliteID: "sat-0", TargetID: "m-1", Priority: 8},
			{SatelliteID: "sat-0", TargetID: "gone", Priority: 9},
		}},
	}
	vec := EncodeAction(action, state)

	require.Len(t, vec, model.ActionDim(model.CardinalityLimits{MaxSatellites: 2, MaxMissiles: 2}))
	assert.Equal(t, []float64{1, 1, 0, 0, 0, 1, 1, 1, 0, 0, 0}, vec[:11])
	assert.Equal(t, make([]float64, 11), vec[11:22])
	missiles := vec[22:]
	assert.Equal(t, []float64{0, 0, 1, 0.8}, missiles)
}

func randomSnapshot(seed int64) model.Snapshot {
	r := rand.New(rand.NewSource(seed))
	maybeNaN := func(v float64) float64 {
		if r.Intn(20) == 0 {
			return math.NaN()
		}
		return v
	}
	snap := model.Snapshot{
		SimTime:         testStart.Add(time.Duration(r.Intn(86400)) * time.Second),
		MissionProgress: maybeNaN(r.Float64()),
		InShadow:        r.Intn(2) == 0,
	}
	nSat, nMis := r.Intn(6), r.Intn(6)
	for i := 0; i < nSat; i++ {
		snap.Satellites = append(snap.Satellites, model.SatelliteObservation{
			ID:         string(rune('a' + i)),
			Position:   model.Vec3{X: maybeNaN(r.NormFloat64() * 8000), Y: r.NormFloat64() * 8000, Z: r.NormFloat64() * 8000},
			Velocity:   model.Vec3{X: r.NormFloat64() * 5, Y: r.NormFloat64() * 5},
			Attitude:   model.Quaternion{W: r.NormFloat64(), X: r.NormFloat64()},
			PowerLevel: maybeNaN(r.Float64()),
			Priority:   float64(r.Intn(3)),
		})
	}
	for j := 0; j < nMis; j++ {
		snap.Missiles = append(snap.Missiles, model.MissileObservation{
			ID:            string(rune('m' + j)),
			Position:      model.Vec3{X: r.NormFloat64() * 7000},
			Velocity:      model.Vec3{Z: r.NormFloat64() * 4},
			ThreatLevel:   model.ThreatLevel(1 + r.Intn(4)),
			TimeToImpactS: maybeNaN(float64(r.Intn(4)) * 100),
		})
	}
	snap.Visibility = make([][]bool, nSat)
	for i := range snap.Visibility {
		snap.Visibility[i] = make([]bool, nMis)
		for j := range snap.Visibility[i] {
			snap.Visibility[i][j] = r.Intn(2) == 0
		}
	}
	return snap
}

func TestEncodeProperties(t *testing.T) {
	enc := mustEncoder(t)
	cfg := testConfig(3, 3)
	dim := model.StateDim(cfg.Limits)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encode is bit-identical on repeat", prop.ForAll(
		func(seed int64) bool {
			snap := randomSnapshot(seed)
			a := enc.Encode(snap, cfg)
			b := enc.Encode(snap, cfg)
			if len(a.Values) != len(b.Values) {
				return false
			}
			for i := range a.Values {
				if math.Float64bits(a.Values[i]) != math.Float64bits(b.Values[i]) {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("vector length is fixed and finite", prop.ForAll(
		func(seed int64) bool {
			sv := enc.Encode(randomSnapshot(seed), cfg)
			if len(sv.Values) != dim {
				return false
			}
			for _, v := range sv.Values {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("valid attitudes are unit length", prop.ForAll(
		func(seed int64) bool {
			sv := enc.Encode(randomSnapshot(seed), cfg)
			for _, s := range sv.Satellites {
				if s.Valid && math.Abs(s.Attitude.Norm()-1) > 1e-9 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
