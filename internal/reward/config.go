package reward

import (
	"math"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// WeightTolerance is the allowed deviation of a weight set from 1.
const WeightTolerance = 1e-6

// PenaltyConfig holds the non-negative penalty coefficients.
type PenaltyConfig struct {
	FalseAlarm     float64 `json:"false_alarm" yaml:"false_alarm" validate:"gte=0"`
	ResourceWaste  float64 `json:"resource_waste" yaml:"resource_waste" validate:"gte=0"`
	MissionFailure float64 `json:"mission_failure" yaml:"mission_failure" validate:"gte=0"`
}

// ModeScores rate each payload pointing mode for tracking accuracy.
type ModeScores struct {
	Tracking float64 `json:"tracking" yaml:"tracking" validate:"gte=0,lte=1"`
	Scanning float64 `json:"scanning" yaml:"scanning" validate:"gte=0,lte=1"`
	Fixed    float64 `json:"fixed" yaml:"fixed" validate:"gte=0,lte=1"`
}

// Config parameterizes the calculator.
type Config struct {
	Categories model.CategoryWeights `json:"category_weights" yaml:"category_weights"`
	// Tracking weights coverage, accuracy and detection.
	Tracking model.SubWeights `json:"tracking_weights" yaml:"tracking_weights"`
	// Efficiency weights power, communication and computation.
	Efficiency model.SubWeights `json:"efficiency_weights" yaml:"efficiency_weights"`
	// Completion weights neutralization, response time and coordination.
	Completion model.SubWeights `json:"completion_weights" yaml:"completion_weights"`
	Penalties  PenaltyConfig    `json:"penalties" yaml:"penalties"`
	Modes      ModeScores       `json:"pointing_mode_scores" yaml:"pointing_mode_scores"`

	MaxCommunicationLoad float64 `json:"max_communication_load" yaml:"max_communication_load"`
	MaxComputationLoad   float64 `json:"max_computation_load" yaml:"max_computation_load"`
	MaxThreatLevel       float64 `json:"max_threat_level" yaml:"max_threat_level"`
}

// DefaultConfig returns the documented default weights and normalizers.
func DefaultConfig() Config {
	return Config{
		Categories: model.CategoryWeights{Tracking: 0.4, Efficiency: 0.3, Completion: 0.3},
		Tracking:   model.SubWeights{0.4, 0.3, 0.3},
		Efficiency: model.SubWeights{0.4, 0.3, 0.3},
		Completion: model.SubWeights{0.5, 0.3, 0.2},
		Penalties:  PenaltyConfig{FalseAlarm: 0.5, ResourceWaste: 0.5, MissionFailure: 1.0},
		Modes:      ModeScores{Tracking: 0.9, Scanning: 0.6, Fixed: 0.3},

		MaxCommunicationLoad: 2.0,
		MaxComputationLoad:   3.0,
		MaxThreatLevel:       float64(model.MaxThreatLevel),
	}
}

// Validate checks every weight set sums to 1 and every normalizer is positive.
func (c Config) Validate() error {
	cat := c.Categories
	if err := checkWeights("category_weights", cat.Tracking, cat.Efficiency, cat.Completion); err != nil {
		return err
	}
	for _, set := range []struct {
		name string
		w    model.SubWeights
	}{
		{"tracking_weights", c.Tracking},
		{"efficiency_weights", c.Efficiency},
		{"completion_weights", c.Completion},
	} {
		if err := checkWeights(set.name, set.w[0], set.w[1], set.w[2]); err != nil {
			return err
		}
	}

	for _, d := range []struct {
		name string
		v    float64
	}{
		{"max_communication_load", c.MaxCommunicationLoad},
		{"max_computation_load", c.MaxComputationLoad},
		{"max_threat_level", c.MaxThreatLevel},
	} {
		if !(d.v > 0) || math.IsInf(d.v, 0) {
			return model.NewConfigurationError(d.name, "normalization maximum must be positive and finite, got %g", d.v)
		}
	}

	p := c.Penalties
	for name, v := range map[string]float64{"false_alarm": p.FalseAlarm, "resource_waste": p.ResourceWaste, "mission_failure": p.MissionFailure} {
		if !(v >= 0) {
			return model.NewConfigurationError("penalties."+name, "coefficient must be non-negative, got %g", v)
		}
	}
	m := c.Modes
	for _, v := range []float64{m.Tracking, m.Scanning, m.Fixed} {
		if !(v >= 0 && v <= 1) {
			return model.NewConfigurationError("pointing_mode_scores", "score %g outside [0,1]", v)
		}
	}
	return nil
}

func checkWeights(name string, ws ...float64) error {
	sum := 0.0
	for _, w := range ws {
		if !(w >= 0) {
			return model.NewConfigurationError(name, "negative or NaN weight %g", w)
		}
		sum += w
	}
	if math.Abs(sum-1) > WeightTolerance {
		return model.NewConfigurationError(name, "weights sum to %.6f, want 1", sum)
	}
	return nil
}
