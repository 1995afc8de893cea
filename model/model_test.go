package model

import (
	"errors"
	"io/fs"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuaternionNormalized(t *testing.T) {
	q, ok := Quaternion{W: 2}.Normalized()
	require.True(t, ok)
	assert.InDelta(t, 1.0, q.W, 1e-12)

	q, ok = Quaternion{}.Normalized()
	assert.False(t, ok)
	assert.Equal(t, IdentityQuaternion, q)

	_, ok = Quaternion{W: math.NaN()}.Normalized()
	assert.False(t, ok)
}

func TestHasLineOfSight(t *testing.T) {
	assert.True(t, HasLineOfSight(Vec3{X: 8000}, Vec3{X: 8000, Y: 1000}))
	assert.False(t, HasLineOfSight(Vec3{X: 7000}, Vec3{X: -7000}))
}

func TestThreatProfileValidate(t *testing.T) {
	ok := ThreatProfile{Type: ScenarioSaturationAttack, Saturation: &SaturationAttack{Waves: 2}}
	require.NoError(t, ok.Validate())

	mismatched := ThreatProfile{Type: ScenarioSingleThreat, Saturation: &SaturationAttack{Waves: 2}}
	err := mismatched.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	both := ThreatProfile{Type: ScenarioSingleThreat, Single: &SingleThreat{}, Multiple: &MultipleThreats{}}
	assert.ErrorIs(t, both.Validate(), ErrConfiguration)

	badFraction := ThreatProfile{Type: ScenarioAdversarial, Adversarial: &AdversarialThreats{DecoyFraction: 1.5}}
	assert.ErrorIs(t, badFraction.Validate(), ErrConfiguration)
}

func TestActionSpecValidate(t *testing.T) {
	valid := ActionSpec{
		Satellites: map[string]SatelliteControl{
			"sat-0": {
				AttitudeTarget: IdentityQuaternion,
				PointingMode:   PointingTracking,
				Power:          PowerAllocation{Payload: 0.5, Communication: 0.2, Computation: 0.2, Attitude: 0.1},
			},
		},
		Mission: MissionControl{Assignments: []TargetAssignment{{SatelliteID: "sat-0", TargetID: "m-0", Priority: 5, DurationS: 60}}},
	}
	require.NoError(t, valid.Validate())

	badPower := valid.Clone()
	ctl := badPower.Satellites["sat-0"]
	ctl.Power.Payload = 0.9
	badPower.Satellites["sat-0"] = ctl
	assert.ErrorIs(t, badPower.Validate(), ErrValidation)

	badPriority := valid.Clone()
	badPriority.Mission.Assignments[0].Priority = 11
	assert.ErrorIs(t, badPriority.Validate(), ErrValidation)

	// The clone must not share the controls map.
	assert.InDelta(t, 0.5, valid.Satellites["sat-0"].Power.Payload, 1e-12)
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	assert.ErrorIs(t, NewConfigurationError("x", "bad"), ErrConfiguration)
	assert.ErrorIs(t, &ValidationError{Rule: "finite"}, ErrValidation)
	assert.ErrorIs(t, &TimeoutError{Call: "select_action"}, ErrTimeout)
	assert.ErrorIs(t, &LifecycleError{Op: "collect", State: LifecycleNotStarted}, ErrLifecycle)

	exportErr := &ExportError{Format: "json", Destination: "/tmp/x", Err: fs.ErrPermission}
	assert.ErrorIs(t, exportErr, ErrExport)
	assert.ErrorIs(t, exportErr, fs.ErrPermission)

	var le *LifecycleError
	require.True(t, errors.As(error(&LifecycleError{Op: "end"}), &le))
	assert.Equal(t, "end", le.Op)
}

func TestScenarioCloneIsDeep(t *testing.T) {
	cfg := ScenarioConfig{
		LaunchOffsets: []float64{1, 2},
		Threat:        ThreatProfile{Type: ScenarioAdversarial, Adversarial: &AdversarialThreats{DecoyFraction: 0.2}},
	}
	cp := cfg.Clone()
	cp.LaunchOffsets[0] = 99
	cp.Threat.Adversarial.DecoyFraction = 0.9

	assert.Equal(t, 1.0, cfg.LaunchOffsets[0])
	assert.Equal(t, 0.2, cfg.Threat.Adversarial.DecoyFraction)
}

func TestSummarizeRealizedDistribution(t *testing.T) {
	eps := []EpisodeRecord{
		{Scenario: ScenarioConfig{Type: ScenarioSingleThreat, Difficulty: DifficultyEasy}, Success: true, Outcome: LifecycleSuccess, TotalReward: 2, Points: make([]DataPoint, 2)},
		{Scenario: ScenarioConfig{Type: ScenarioSingleThreat, Difficulty: DifficultyHard}, Outcome: LifecycleTruncated, Points: make([]DataPoint, 1)},
		{Scenario: ScenarioConfig{Type: ScenarioAdversarial, Difficulty: DifficultyHard}, Outcome: LifecycleFailure, TotalReward: 1, Augmentation: AugmentNoise},
	}
	md := Summarize(eps)

	assert.Equal(t, 3, md.EpisodeCount)
	assert.Equal(t, 3, md.DataPointCount)
	assert.Equal(t, 2, md.ScenarioTypes[ScenarioSingleThreat])
	assert.Equal(t, 2, md.Difficulties[DifficultyHard])
	assert.Equal(t, 1, md.TruncatedCount)
	assert.Equal(t, 1, md.AugmentedCount)
	assert.InDelta(t, 1.0/3, md.SuccessRate, 1e-12)
	assert.InDelta(t, 1.0, md.AverageReward, 1e-12)
}
