package model

import "fmt"

// ScenarioType identifies the threat pattern of a scenario.
type ScenarioType string

const (
	ScenarioSingleThreat     ScenarioType = "single_threat"
	ScenarioMultipleThreats  ScenarioType = "multiple_threats"
	ScenarioSaturationAttack ScenarioType = "saturation_attack"
	ScenarioAdversarial      ScenarioType = "adversarial"
)

// ScenarioTypes lists every scenario type in canonical order.
var ScenarioTypes = []ScenarioType{
	ScenarioSingleThreat,
	ScenarioMultipleThreats,
	ScenarioSaturationAttack,
	ScenarioAdversarial,
}

// Valid reports whether t is a known scenario type.
func (t ScenarioType) Valid() bool {
	for _, known := range ScenarioTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Difficulty is the scenario difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties lists every difficulty in canonical order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	for _, known := range Difficulties {
		if d == known {
			return true
		}
	}
	return false
}

// Range is a closed float interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies inside the interval.
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// Validate fails when the range is inverted.
func (r Range) Validate(field string) error {
	if r.Min > r.Max {
		return NewConfigurationError(field, "inverted range [%g, %g]", r.Min, r.Max)
	}
	return nil
}

// IntRange is a closed integer interval.
type IntRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Contains reports whether v lies inside the interval.
func (r IntRange) Contains(v int) bool { return v >= r.Min && v <= r.Max }

// Validate fails when the range is inverted.
func (r IntRange) Validate(field string) error {
	if r.Min > r.Max {
		return NewConfigurationError(field, "inverted range [%d, %d]", r.Min, r.Max)
	}
	return nil
}

// ConstellationShape is a Walker layout: planes x satellites per plane.
type ConstellationShape struct {
	Planes             int `json:"planes" yaml:"planes"`
	SatellitesPerPlane int `json:"satellites_per_plane" yaml:"satellites_per_plane"`
}

// Total returns the number of satellites in the shape.
func (c ConstellationShape) Total() int { return c.Planes * c.SatellitesPerPlane }

// OrbitalParameters are the reference orbit the constellation is built from.
type OrbitalParameters struct {
	AltitudeKm           float64 `json:"altitude_km" yaml:"altitude_km"`
	InclinationDeg       float64 `json:"inclination_deg" yaml:"inclination_deg"`
	Eccentricity         float64 `json:"eccentricity" yaml:"eccentricity"`
	ArgOfPerigeeDeg      float64 `json:"arg_of_perigee_deg" yaml:"arg_of_perigee_deg"`
	RAANOffsetDeg        float64 `json:"raan_offset_deg" yaml:"raan_offset_deg"`
	MeanAnomalyOffsetDeg float64 `json:"mean_anomaly_offset_deg" yaml:"mean_anomaly_offset_deg"`
}

// EnvironmentParameters describe the sampled space environment.
type EnvironmentParameters struct {
	TimeOfDay          string  `json:"time_of_day" yaml:"time_of_day"`
	Season             string  `json:"season" yaml:"season"`
	SolarActivity      string  `json:"solar_activity" yaml:"solar_activity"`
	AtmosphericDensity float64 `json:"atmospheric_density" yaml:"atmospheric_density"`
}

// Seasons and solar activity levels in encoding order.
var (
	Seasons             = []string{"spring", "summer", "autumn", "winter"}
	SolarActivityLevels = []string{"low", "medium", "high"}
	TimesOfDay          = []string{"dawn", "day", "dusk", "night"}
)

// CardinalityLimits fix the slot counts of the state and action layouts.
type CardinalityLimits struct {
	MaxSatellites int `json:"max_satellites" yaml:"max_satellites"`
	MaxMissiles   int `json:"max_missiles" yaml:"max_missiles"`
}

// Validate fails on non-positive limits.
func (l CardinalityLimits) Validate() error {
	if l.MaxSatellites <= 0 {
		return NewConfigurationError("max_satellites", "must be positive, got %d", l.MaxSatellites)
	}
	if l.MaxMissiles <= 0 {
		return NewConfigurationError("max_missiles", "must be positive, got %d", l.MaxMissiles)
	}
	return nil
}

// TimeConstraints bound how long a scenario runs and how often decisions are taken.
type TimeConstraints struct {
	DurationS         float64 `json:"duration_s" yaml:"duration_s"`
	DecisionIntervalS float64 `json:"decision_interval_s" yaml:"decision_interval_s"`
	MaxResponseTimeS  float64 `json:"max_response_time_s" yaml:"max_response_time_s"`
}

// MaxSteps returns the number of decisions that fit into the scenario duration.
func (t TimeConstraints) MaxSteps() int {
	if t.DecisionIntervalS <= 0 {
		return 0
	}
	return int(t.DurationS / t.DecisionIntervalS)
}

// ThreatProfile is a tagged variant: exactly the block matching Type is set.
type ThreatProfile struct {
	Type        ScenarioType        `json:"type" yaml:"type"`
	Single      *SingleThreat       `json:"single,omitempty" yaml:"single,omitempty"`
	Multiple    *MultipleThreats    `json:"multiple,omitempty" yaml:"multiple,omitempty"`
	Saturation  *SaturationAttack   `json:"saturation,omitempty" yaml:"saturation,omitempty"`
	Adversarial *AdversarialThreats `json:"adversarial,omitempty" yaml:"adversarial,omitempty"`
}

// SingleThreat is one missile on a nominal trajectory.
type SingleThreat struct {
	ThreatLevel ThreatLevel `json:"threat_level" yaml:"threat_level"`
}

// MultipleThreats is a staggered raid from several launch sites.
type MultipleThreats struct {
	LaunchSites int `json:"launch_sites" yaml:"launch_sites"`
}

// SaturationAttack launches missiles in closely spaced waves.
type SaturationAttack struct {
	Waves int `json:"waves" yaml:"waves"`
}

// AdversarialThreats mixes decoys and manoeuvring missiles.
type AdversarialThreats struct {
	DecoyFraction       float64 `json:"decoy_fraction" yaml:"decoy_fraction"`
	ManeuverProbability float64 `json:"maneuver_probability" yaml:"maneuver_probability"`
}

// Validate checks that exactly the variant named by Type is populated.
func (p ThreatProfile) Validate() error {
	set := 0
	var matched bool
	if p.Single != nil {
		set++
		matched = matched || p.Type == ScenarioSingleThreat
	}
	if p.Multiple != nil {
		set++
		matched = matched || p.Type == ScenarioMultipleThreats
	}
	if p.Saturation != nil {
		set++
		matched = matched || p.Type == ScenarioSaturationAttack
	}
	if p.Adversarial != nil {
		set++
		matched = matched || p.Type == ScenarioAdversarial
	}
	if set != 1 || !matched {
		return NewConfigurationError("threat_profile", "type %q requires exactly its own variant block", p.Type)
	}
	if a := p.Adversarial; a != nil {
		if a.DecoyFraction < 0 || a.DecoyFraction > 1 || a.ManeuverProbability < 0 || a.ManeuverProbability > 1 {
			return NewConfigurationError("threat_profile.adversarial", "fractions must lie in [0,1]")
		}
	}
	return nil
}

// ScenarioConfig is one sampled scenario. It is treated as immutable once the
// generator returns it; use Clone to derive a perturbed copy.
type ScenarioConfig struct {
	ID            string                `json:"scenario_id" yaml:"scenario_id"`
	Index         int                   `json:"index" yaml:"index"`
	Type          ScenarioType          `json:"scenario_type" yaml:"scenario_type"`
	Difficulty    Difficulty            `json:"difficulty" yaml:"difficulty"`
	MissileCount  int                   `json:"missile_count" yaml:"missile_count"`
	LaunchWindow  Range                 `json:"launch_time_window" yaml:"launch_time_window"`
	LaunchOffsets []float64             `json:"launch_offsets" yaml:"launch_offsets"`
	Constellation ConstellationShape    `json:"constellation_shape" yaml:"constellation_shape"`
	Orbit         OrbitalParameters     `json:"orbital_parameters" yaml:"orbital_parameters"`
	Environment   EnvironmentParameters `json:"environment_parameters" yaml:"environment_parameters"`
	Threat        ThreatProfile         `json:"threat_profile" yaml:"threat_profile"`
	Limits        CardinalityLimits     `json:"cardinality_limits" yaml:"cardinality_limits"`
	Time          TimeConstraints       `json:"time_constraints" yaml:"time_constraints"`
	Objectives    []string              `json:"mission_objectives" yaml:"mission_objectives"`
	Seed          int64                 `json:"random_seed" yaml:"random_seed"`
}

// Clone returns a deep copy.
func (c ScenarioConfig) Clone() ScenarioConfig {
	out := c
	out.LaunchOffsets = append([]float64(nil), c.LaunchOffsets...)
	out.Objectives = append([]string(nil), c.Objectives...)
	if c.Threat.Single != nil {
		v := *c.Threat.Single
		out.Threat.Single = &v
	}
	if c.Threat.Multiple != nil {
		v := *c.Threat.Multiple
		out.Threat.Multiple = &v
	}
	if c.Threat.Saturation != nil {
		v := *c.Threat.Saturation
		out.Threat.Saturation = &v
	}
	if c.Threat.Adversarial != nil {
		v := *c.Threat.Adversarial
		out.Threat.Adversarial = &v
	}
	return out
}

// Validate checks the structural invariants of a sampled scenario.
func (c ScenarioConfig) Validate() error {
	if !c.Type.Valid() {
		return NewConfigurationError("scenario_type", "unknown type %q", c.Type)
	}
	if !c.Difficulty.Valid() {
		return NewConfigurationError("difficulty", "unknown difficulty %q", c.Difficulty)
	}
	if c.Threat.Type != c.Type {
		return NewConfigurationError("threat_profile", "type %q does not match scenario type %q", c.Threat.Type, c.Type)
	}
	if err := c.Threat.Validate(); err != nil {
		return err
	}
	if err := c.LaunchWindow.Validate("launch_time_window"); err != nil {
		return err
	}
	if len(c.LaunchOffsets) != c.MissileCount {
		return NewConfigurationError("launch_offsets", "have %d offsets for %d missiles", len(c.LaunchOffsets), c.MissileCount)
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.Constellation.Total() > c.Limits.MaxSatellites {
		return NewConfigurationError("constellation_shape", "%d satellites exceed limit %d", c.Constellation.Total(), c.Limits.MaxSatellites)
	}
	return nil
}

func (c ScenarioConfig) String() string {
	return fmt.Sprintf("%s(%s/%s, missiles=%d)", c.ID, c.Type, c.Difficulty, c.MissileCount)
}
