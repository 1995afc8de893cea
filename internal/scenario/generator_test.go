package scenario

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

func mustGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := NewGenerator(cfg, nil)
	require.NoError(t, err)
	return g
}

func only(t model.ScenarioType, d model.Difficulty) Config {
	cfg := DefaultConfig()
	cfg.TypeDistribution = map[model.ScenarioType]float64{t: 1}
	cfg.DifficultyDistribution = map[model.Difficulty]float64{d: 1}
	return cfg
}

func TestSingleThreatEasyHasOneMissile(t *testing.T) {
	g := mustGenerator(t, only(model.ScenarioSingleThreat, model.DifficultyEasy))
	scs, err := g.Training(50)
	require.NoError(t, err)
	for _, sc := range scs {
		assert.Equal(t, 1, sc.MissileCount)
		assert.Len(t, sc.LaunchOffsets, 1)
		require.NoError(t, sc.Validate())
		assert.Contains(t, sc.Objectives, ObjectiveContinuousTracking)
	}
}

func TestSaturationOffsetsStayInWindow(t *testing.T) {
	cfg := only(model.ScenarioSaturationAttack, model.DifficultyMedium)
	cfg.Types[model.ScenarioSaturationAttack] = TypeRanges{
		Missiles:       model.IntRange{Min: 15, Max: 15},
		LaunchWindow:   model.Range{Min: 60, Max: 300},
		DurationFactor: 0.3,
	}
	g := mustGenerator(t, cfg)
	scs, err := g.Training(25)
	require.NoError(t, err)
	for _, sc := range scs {
		require.Equal(t, 15, sc.MissileCount)
		assert.GreaterOrEqual(t, sc.LaunchWindow.Min, 60.0)
		assert.LessOrEqual(t, sc.LaunchWindow.Max, 300.0)
		for _, off := range sc.LaunchOffsets {
			assert.True(t, sc.LaunchWindow.Contains(off), "offset %g outside %v", off, sc.LaunchWindow)
		}
		require.NotNil(t, sc.Threat.Saturation)
		assert.NoError(t, sc.Threat.Validate())
	}
}

func TestHardScenariosGetSmallerConstellations(t *testing.T) {
	easy := mustGenerator(t, only(model.ScenarioMultipleThreats, model.DifficultyEasy))
	hard := mustGenerator(t, only(model.ScenarioMultipleThreats, model.DifficultyHard))
	e, err := easy.Training(40)
	require.NoError(t, err)
	h, err := hard.Training(40)
	require.NoError(t, err)
	for i := range e {
		assert.GreaterOrEqual(t, e[i].Constellation.Planes, 3)
		assert.LessOrEqual(t, h[i].Constellation.Planes, 3)
		assert.Less(t, h[i].Time.DurationS, e[i].Time.DurationS)
		assert.Contains(t, h[i].Objectives, ObjectiveMinimizeFalseAlarms)
		assert.InDelta(t, h[i].Time.DurationS*0.1, h[i].Time.MaxResponseTimeS, 1e-9)
	}
}

func TestEvaluationIsByteIdentical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 42

	encode := func() []byte {
		scs, err := mustGenerator(t, cfg).Evaluation(30)
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, WriteScenarios(&buf, scs))
		return buf.Bytes()
	}
	first := encode()
	assert.Equal(t, first, encode())

	back, err := ReadScenarios(bytes.NewReader(first))
	require.NoError(t, err)
	require.Len(t, back, 30)
	var again bytes.Buffer
	require.NoError(t, WriteScenarios(&again, back))
	assert.Equal(t, first, again.Bytes())
}

func TestEvaluationCoversEveryStratum(t *testing.T) {
	g := mustGenerator(t, DefaultConfig())
	scs, err := g.Evaluation(12)
	require.NoError(t, err)

	seen := map[[2]string]bool{}
	for _, sc := range scs {
		seen[[2]string{string(sc.Type), string(sc.Difficulty)}] = true
	}
	assert.Len(t, seen, len(model.ScenarioTypes)*len(model.Difficulties))
	assert.Equal(t, model.ScenarioSingleThreat, scs[0].Type)
	assert.Equal(t, model.DifficultyEasy, scs[0].Difficulty)
}

func TestEvaluationDoesNotDisturbTrainingStream(t *testing.T) {
	a := mustGenerator(t, DefaultConfig())
	b := mustGenerator(t, DefaultConfig())
	_, err := b.Evaluation(5)
	require.NoError(t, err)

	ta, err := a.Training(5)
	require.NoError(t, err)
	tb, err := b.Training(5)
	require.NoError(t, err)
	assert.Equal(t, ta, tb)
}

func TestScenarioIDsAreUnique(t *testing.T) {
	g := mustGenerator(t, DefaultConfig())
	scs, err := g.Training(200)
	require.NoError(t, err)
	ids := map[string]bool{}
	for i, sc := range scs {
		assert.False(t, ids[sc.ID])
		ids[sc.ID] = true
		assert.Equal(t, i, sc.Index)
	}
}

func TestStats(t *testing.T) {
	g := mustGenerator(t, only(model.ScenarioMultipleThreats, model.DifficultyMedium))
	scs, err := g.Training(10)
	require.NoError(t, err)

	st := g.Stats()
	assert.Equal(t, 10, st.Total)
	assert.Equal(t, 10, st.Types[model.ScenarioMultipleThreats])
	assert.Equal(t, 10, st.Difficulties[model.DifficultyMedium])
	sum := 0
	for _, sc := range scs {
		sum += sc.MissileCount
		assert.True(t, sc.MissileCount >= st.MissileMin && sc.MissileCount <= st.MissileMax)
	}
	assert.InDelta(t, float64(sum)/10, st.MissileMean, 1e-9)
}

func TestConfigValidation(t *testing.T) {
	cases := map[string]func(*Config){
		"type distribution sum": func(c *Config) { c.TypeDistribution[model.ScenarioAdversarial] = 0.3 },
		"negative probability": func(c *Config) {
			c.DifficultyDistribution = map[model.Difficulty]float64{model.DifficultyEasy: 1.5, model.DifficultyHard: -0.5}
		},
		"unknown type": func(c *Config) {
			c.TypeDistribution = map[model.ScenarioType]float64{"evasive_targets": 1}
		},
		"inverted missile range": func(c *Config) {
			c.Types[model.ScenarioMultipleThreats] = TypeRanges{Missiles: model.IntRange{Min: 8, Max: 2}, DurationFactor: 1}
		},
		"inverted altitude":  func(c *Config) { c.AltitudeKm = model.Range{Min: 2000, Max: 800} },
		"limit below range":  func(c *Config) { c.Limits.MaxMissiles = 10 },
		"limit below shape":  func(c *Config) { c.Limits.MaxSatellites = 9 },
		"missing type range": func(c *Config) { delete(c.Types, model.ScenarioAdversarial) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := NewGenerator(cfg, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestMissileCountProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	cfg := DefaultConfig()
	properties.Property("missile count stays inside the type range", prop.ForAll(
		func(seed int64) bool {
			c := cfg
			c.Seed = seed
			g, err := NewGenerator(c, nil)
			if err != nil {
				return false
			}
			scs, err := g.Training(20)
			if err != nil {
				return false
			}
			for _, sc := range scs {
				r := c.Types[sc.Type]
				if !r.Missiles.Contains(sc.MissileCount) || len(sc.LaunchOffsets) != sc.MissileCount {
					return false
				}
				if sc.LaunchWindow.Min < r.LaunchWindow.Min || sc.LaunchWindow.Max > r.LaunchWindow.Max {
					return false
				}
				if sc.Constellation.Total() > c.Limits.MaxSatellites || sc.Validate() != nil {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
