package scenario

import (
	"math"
	"slices"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// DistributionTolerance is the allowed deviation of a probability table from 1.
const DistributionTolerance = 1e-6

// TypeRanges are the per-type sampling ranges.
type TypeRanges struct {
	Missiles model.IntRange `json:"missile_count" yaml:"missile_count"`
	// LaunchWindow bounds the sampled launch window, in seconds after start.
	LaunchWindow model.Range `json:"launch_time_window" yaml:"launch_time_window"`
	// DurationFactor scales BaseDurationS for this type.
	DurationFactor float64 `json:"duration_factor" yaml:"duration_factor" validate:"gt=0"`
}

// Config parameterizes the generator. It is read-only once the generator is
// built and may be shared between workers.
type Config struct {
	Seed int64 `json:"seed" yaml:"seed"`

	TypeDistribution       map[model.ScenarioType]float64    `json:"type_distribution" yaml:"type_distribution"`
	DifficultyDistribution map[model.Difficulty]float64      `json:"difficulty_distribution" yaml:"difficulty_distribution"`
	Types                  map[model.ScenarioType]TypeRanges `json:"types" yaml:"types"`

	Planes             model.IntRange `json:"planes" yaml:"planes"`
	SatellitesPerPlane model.IntRange `json:"satellites_per_plane" yaml:"satellites_per_plane"`
	AltitudeKm         model.Range    `json:"altitude_km" yaml:"altitude_km"`
	InclinationDeg     model.Range    `json:"inclination_deg" yaml:"inclination_deg"`
	Eccentricity       model.Range    `json:"eccentricity" yaml:"eccentricity"`
	AtmosphericDensity model.Range    `json:"atmospheric_density" yaml:"atmospheric_density"`

	// Limits are shared by every scenario so one run has one state layout.
	Limits model.CardinalityLimits `json:"cardinality_limits" yaml:"cardinality_limits"`

	BaseDurationS     float64                      `json:"base_duration_s" yaml:"base_duration_s" validate:"gt=0"`
	DifficultyFactor  map[model.Difficulty]float64 `json:"difficulty_duration_factor" yaml:"difficulty_duration_factor"`
	DecisionIntervalS model.IntRange               `json:"decision_interval_s" yaml:"decision_interval_s"`
	// ResponseFraction of the duration is the maximum response time.
	ResponseFraction float64 `json:"response_fraction" yaml:"response_fraction" validate:"gt=0,lte=1"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TypeDistribution: map[model.ScenarioType]float64{
			model.ScenarioSingleThreat:     0.25,
			model.ScenarioMultipleThreats:  0.35,
			model.ScenarioSaturationAttack: 0.2,
			model.ScenarioAdversarial:      0.2,
		},
		DifficultyDistribution: map[model.Difficulty]float64{
			model.DifficultyEasy:   0.3,
			model.DifficultyMedium: 0.4,
			model.DifficultyHard:   0.3,
		},
		Types: map[model.ScenarioType]TypeRanges{
			model.ScenarioSingleThreat:     {Missiles: model.IntRange{Min: 1, Max: 1}, LaunchWindow: model.Range{Min: 0, Max: 60}, DurationFactor: 0.5},
			model.ScenarioMultipleThreats:  {Missiles: model.IntRange{Min: 2, Max: 8}, LaunchWindow: model.Range{Min: 0, Max: 180}, DurationFactor: 1.0},
			model.ScenarioSaturationAttack: {Missiles: model.IntRange{Min: 10, Max: 20}, LaunchWindow: model.Range{Min: 60, Max: 300}, DurationFactor: 0.3},
			model.ScenarioAdversarial:      {Missiles: model.IntRange{Min: 2, Max: 6}, LaunchWindow: model.Range{Min: 0, Max: 240}, DurationFactor: 1.0},
		},
		Planes:             model.IntRange{Min: 2, Max: 4},
		SatellitesPerPlane: model.IntRange{Min: 2, Max: 4},
		AltitudeKm:         model.Range{Min: 800, Max: 2000},
		InclinationDeg:     model.Range{Min: 45, Max: 98},
		Eccentricity:       model.Range{Min: 0, Max: 0.1},
		AtmosphericDensity: model.Range{Min: 0.8, Max: 1.2},
		Limits:             model.CardinalityLimits{MaxSatellites: 16, MaxMissiles: 20},
		BaseDurationS:      3600,
		DifficultyFactor: map[model.Difficulty]float64{
			model.DifficultyEasy:   1.5,
			model.DifficultyMedium: 1.0,
			model.DifficultyHard:   0.7,
		},
		DecisionIntervalS: model.IntRange{Min: 30, Max: 120},
		ResponseFraction:  0.1,
	}
}

// Validate reports the first malformed distribution or range as a
// ConfigurationError.
func (c Config) Validate() error {
	if err := checkDistribution("type_distribution", c.TypeDistribution, model.ScenarioType.Valid); err != nil {
		return err
	}
	if err := checkDistribution("difficulty_distribution", c.DifficultyDistribution, model.Difficulty.Valid); err != nil {
		return err
	}

	for _, t := range model.ScenarioTypes {
		if c.TypeDistribution[t] == 0 {
			continue
		}
		r, ok := c.Types[t]
		if !ok {
			return model.NewConfigurationError("types."+string(t), "no ranges for a type with non-zero probability")
		}
		if err := r.Missiles.Validate("types." + string(t) + ".missile_count"); err != nil {
			return err
		}
		if r.Missiles.Min < 1 {
			return model.NewConfigurationError("types."+string(t)+".missile_count", "minimum must be at least 1, got %d", r.Missiles.Min)
		}
		if r.Missiles.Max > c.Limits.MaxMissiles {
			return model.NewConfigurationError("cardinality_limits.max_missiles", "limit %d below %s maximum %d", c.Limits.MaxMissiles, t, r.Missiles.Max)
		}
		if err := r.LaunchWindow.Validate("types." + string(t) + ".launch_time_window"); err != nil {
			return err
		}
		if r.LaunchWindow.Min < 0 {
			return model.NewConfigurationError("types."+string(t)+".launch_time_window", "starts before the scenario, got %g", r.LaunchWindow.Min)
		}
		if !(r.DurationFactor > 0) {
			return model.NewConfigurationError("types."+string(t)+".duration_factor", "must be positive, got %g", r.DurationFactor)
		}
	}
	for _, d := range model.Difficulties {
		if c.DifficultyDistribution[d] == 0 {
			continue
		}
		if f := c.DifficultyFactor[d]; !(f > 0) {
			return model.NewConfigurationError("difficulty_duration_factor."+string(d), "must be positive, got %g", f)
		}
	}

	for _, r := range []struct {
		field string
		r     model.IntRange
	}{
		{"planes", c.Planes},
		{"satellites_per_plane", c.SatellitesPerPlane},
		{"decision_interval_s", c.DecisionIntervalS},
	} {
		if err := r.r.Validate(r.field); err != nil {
			return err
		}
		if r.r.Min < 1 {
			return model.NewConfigurationError(r.field, "minimum must be at least 1, got %d", r.r.Min)
		}
	}
	for _, r := range []struct {
		field string
		r     model.Range
	}{
		{"altitude_km", c.AltitudeKm},
		{"inclination_deg", c.InclinationDeg},
		{"eccentricity", c.Eccentricity},
		{"atmospheric_density", c.AtmosphericDensity},
	} {
		if err := r.r.Validate(r.field); err != nil {
			return err
		}
	}
	if c.Eccentricity.Min < 0 || c.Eccentricity.Max >= 1 {
		return model.NewConfigurationError("eccentricity", "must lie in [0,1), got [%g, %g]", c.Eccentricity.Min, c.Eccentricity.Max)
	}

	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if n := c.Planes.Max * c.SatellitesPerPlane.Max; n > c.Limits.MaxSatellites {
		return model.NewConfigurationError("cardinality_limits.max_satellites", "limit %d below largest constellation %d", c.Limits.MaxSatellites, n)
	}
	if !(c.BaseDurationS > 0) {
		return model.NewConfigurationError("base_duration_s", "must be positive, got %g", c.BaseDurationS)
	}
	if !(c.ResponseFraction > 0 && c.ResponseFraction <= 1) {
		return model.NewConfigurationError("response_fraction", "must lie in (0,1], got %g", c.ResponseFraction)
	}
	return nil
}

// checkDistribution validates a probability table: known keys only,
// non-negative finite probabilities, sum of 1.
func checkDistribution[K ~string](field string, dist map[K]float64, known func(K) bool) error {
	if len(dist) == 0 {
		return model.NewConfigurationError(field, "empty distribution")
	}
	keys := make([]K, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	sum := 0.0
	for _, k := range keys {
		p := dist[k]
		if !known(k) {
			return model.NewConfigurationError(field, "unknown category %q", k)
		}
		if !(p >= 0) || math.IsInf(p, 0) {
			return model.NewConfigurationError(field, "probability of %q is %g", k, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > DistributionTolerance {
		return model.NewConfigurationError(field, "probabilities sum to %.6f, want 1", sum)
	}
	return nil
}
