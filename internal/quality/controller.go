// Package quality validates data points, flags anomalies and produces
// augmented copies of episodes and scenarios.
package quality

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/signalsfoundry/constellation-rlhf/internal/encoder"
	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/stats"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Rule names reported in QualityReport failures and logs.
const (
	RulePositionBounds = "position_bounds"
	RuleSpeedLimit     = "speed_limit"
	RuleTimeMonotonic  = "time_monotonic"
	RuleFiniteFields   = "finite_fields"
	RuleValueRanges    = "value_ranges"
)

// Feature names tracked in the running statistics.
const (
	FeatureSatelliteSpeed      = "satellite.speed_kms"
	FeatureSatellitePower      = "satellite.power_level"
	FeatureMissileSpeed        = "missile.speed_kms"
	FeatureMissileTimeToImpact = "missile.time_to_impact"
	FeatureMissileCoverage     = "missile.coverage"
	FeatureSolarActivity       = "environment.solar_activity"
	FeatureMissionProgress     = "mission.progress"
	FeatureActiveTargets       = "mission.active_targets"
	FeatureReward              = "reward"
	FeatureTrackingReward      = "reward.tracking_performance"
	FeatureEfficiencyReward    = "reward.resource_efficiency"
	FeatureCompletionReward    = "reward.mission_completion"
	FeaturePenalties           = "reward.penalties"
)

// Score deductions per finding.
const (
	failurePenalty  = 0.3
	physicalPenalty = 0.1
	anomalyPenalty  = 0.05
)

// Rules toggles each validation rule independently.
type Rules struct {
	PositionBounds bool `json:"position_bounds" yaml:"position_bounds"`
	SpeedLimit     bool `json:"speed_limit" yaml:"speed_limit"`
	TimeMonotonic  bool `json:"time_monotonic" yaml:"time_monotonic"`
	FiniteFields   bool `json:"finite_fields" yaml:"finite_fields"`
	ValueRanges    bool `json:"value_ranges" yaml:"value_ranges"`
}

// Config parameterizes the controller.
type Config struct {
	Rules  Rules          `json:"rules" yaml:"rules"`
	Bounds encoder.Bounds `json:"-" yaml:"-"`
	// OutlierSigma is the z-score above which a feature is flagged.
	OutlierSigma float64 `json:"outlier_sigma" yaml:"outlier_sigma" validate:"gt=0"`
	// MinSamples is the number of observations a feature needs before
	// statistical outliers are flagged.
	MinSamples int `json:"min_samples" yaml:"min_samples" validate:"min=1"`
	// MissileSpeedEnvelopeKms flags missiles faster than a credible
	// ballistic profile while still inside the hard speed limit.
	MissileSpeedEnvelopeKms float64       `json:"missile_speed_envelope_kms" yaml:"missile_speed_envelope_kms" validate:"gt=0"`
	MaxPositionJumpKm       float64       `json:"max_position_jump_km" yaml:"max_position_jump_km" validate:"gt=0"`
	MaxTimeGap              time.Duration `json:"max_time_gap" yaml:"max_time_gap" validate:"gt=0"`
}

// DefaultConfig enables every rule with 3-sigma outlier detection.
func DefaultConfig() Config {
	return Config{
		Rules:                   Rules{PositionBounds: true, SpeedLimit: true, TimeMonotonic: true, FiniteFields: true, ValueRanges: true},
		Bounds:                  encoder.DefaultBounds(),
		OutlierSigma:            3,
		MinSamples:              10,
		MissileSpeedEnvelopeKms: 7,
		MaxPositionJumpKm:       15 * 300,
		MaxTimeGap:              time.Hour,
	}
}

// Validate rejects thresholds that would make every point anomalous.
func (c Config) Validate() error {
	if err := c.Bounds.Validate(); err != nil {
		return err
	}
	if !(c.OutlierSigma > 0) {
		return model.NewConfigurationError("outlier_sigma", "must be positive, got %g", c.OutlierSigma)
	}
	if c.MinSamples < 1 {
		return model.NewConfigurationError("min_samples", "must be at least 1, got %d", c.MinSamples)
	}
	if !(c.MissileSpeedEnvelopeKms > 0) {
		return model.NewConfigurationError("missile_speed_envelope_kms", "must be positive, got %g", c.MissileSpeedEnvelopeKms)
	}
	if !(c.MaxPositionJumpKm > 0) {
		return model.NewConfigurationError("max_position_jump_km", "must be positive, got %g", c.MaxPositionJumpKm)
	}
	if c.MaxTimeGap <= 0 {
		return model.NewConfigurationError("max_time_gap", "must be positive, got %s", c.MaxTimeGap)
	}
	return nil
}

// Controller checks the points of one episode at a time. It is owned by a
// single worker and is not safe for concurrent use.
type Controller struct {
	cfg Config
	log logging.Logger

	lastTimestamp time.Time
	hasLast       bool
}

// NewController validates cfg and returns a controller.
func NewController(cfg Config, log logging.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Controller{cfg: cfg, log: log}, nil
}

// ResetEpisode forgets the previous timestamp at an episode boundary.
func (c *Controller) ResetEpisode() {
	c.lastTimestamp = time.Time{}
	c.hasLast = false
}

// Check validates dp and flags anomalies against running. Retained points
// are folded into running and advance the episode clock; invalid points
// change neither.
func (c *Controller) Check(ctx context.Context, dp model.DataPoint, running *stats.FeatureStats) model.QualityReport {
	report := model.QualityReport{Status: model.QualityValid}
	report.Failures = c.validate(dp)
	if len(report.Failures) > 0 {
		report.Status = model.QualityInvalid
		report.Score = score(report)
		for _, f := range report.Failures {
			c.log.Warn(ctx, "data point failed validation",
				logging.String("rule", f.Rule),
				logging.String("field", f.Field),
				logging.Any("value", f.Value),
				logging.Any("timestamp", dp.Timestamp),
			)
		}
		return report
	}

	features := c.features(dp)
	if running != nil {
		report.Anomalies = append(report.Anomalies, c.outliers(features, running)...)
	}
	report.Anomalies = append(report.Anomalies, c.physical(dp)...)
	if c.hasLast {
		if gap := dp.Timestamp.Sub(c.lastTimestamp); gap > c.cfg.MaxTimeGap {
			report.Anomalies = append(report.Anomalies, model.Anomaly{
				Kind:    model.AnomalyTimeGap,
				Feature: "timestamp",
				Value:   gap.Seconds(),
				Score:   gap.Seconds() / c.cfg.MaxTimeGap.Seconds(),
			})
		}
	}
	for _, a := range report.Anomalies {
		c.log.Debug(ctx, "data point anomaly",
			logging.String("kind", string(a.Kind)),
			logging.String("feature", a.Feature),
			logging.Any("value", a.Value),
			logging.Any("score", a.Score),
		)
	}
	report.Score = score(report)

	if running != nil {
		for _, f := range features {
			running.Add(f.name, f.value)
		}
	}
	c.lastTimestamp = dp.Timestamp
	c.hasLast = true
	return report
}

func (c *Controller) validate(dp model.DataPoint) []model.RuleFailure {
	var failures []model.RuleFailure
	fail := func(rule, field string, v float64) {
		failures = append(failures, model.RuleFailure{Rule: rule, Field: field, Value: v})
	}
	rules := c.cfg.Rules

	failures = append(failures, c.stateFailures(dp.State, "state.")...)
	failures = append(failures, c.stateFailures(dp.NextState, "")...)

	if rules.FiniteFields {
		if dp.Timestamp.IsZero() {
			fail(RuleFiniteFields, "timestamp", 0)
		}
		if !finite(dp.Reward) {
			fail(RuleFiniteFields, "reward", dp.Reward)
		}
		if len(dp.State.Values) == 0 || len(dp.State.Values) != len(dp.NextState.Values) {
			fail(RuleFiniteFields, "state.values", float64(len(dp.State.Values)))
		}
		for i, v := range dp.ActionVector {
			if !finite(v) {
				fail(RuleFiniteFields, fmt.Sprintf("action_vector[%d]", i), v)
			}
		}
		if err := dp.Action.Validate(); err != nil {
			fail(RuleFiniteFields, "action: "+err.Error(), 0)
		}
	}

	if rules.TimeMonotonic && c.hasLast && dp.Timestamp.Before(c.lastTimestamp) {
		fail(RuleTimeMonotonic, "timestamp", dp.Timestamp.Sub(c.lastTimestamp).Seconds())
	}
	return failures
}

// CheckState applies the field rules to an encoded state on its own. The
// recorder uses it for start states, which never pass through Check as a
// next state.
func (c *Controller) CheckState(sv model.StateVector) []model.RuleFailure {
	return c.stateFailures(sv, "")
}

func (c *Controller) stateFailures(sv model.StateVector, prefix string) []model.RuleFailure {
	var failures []model.RuleFailure
	fail := func(rule, field string, v float64) {
		failures = append(failures, model.RuleFailure{Rule: rule, Field: prefix + field, Value: v})
	}
	rules := c.cfg.Rules

	for _, is := range sv.Issues {
		switch {
		case is.Kind == model.IssueNonFinite || is.Kind == model.IssueDegenerate:
			if rules.FiniteFields {
				fail(RuleFiniteFields, is.Field, is.Value)
			}
		case strings.HasSuffix(is.Field, ".altitude_km"):
			if rules.PositionBounds {
				fail(RulePositionBounds, is.Field, is.Value)
			}
		case strings.HasSuffix(is.Field, ".speed_kms"):
			if rules.SpeedLimit {
				fail(RuleSpeedLimit, is.Field, is.Value)
			}
		default:
			if rules.ValueRanges {
				fail(RuleValueRanges, is.Field, is.Value)
			}
		}
	}
	if rules.FiniteFields {
		for i, v := range sv.Values {
			if !finite(v) {
				fail(RuleFiniteFields, fmt.Sprintf("values[%d]", i), v)
			}
		}
	}
	return failures
}

type feature struct {
	name  string
	value float64
}

// features extracts the scalars tracked for outlier detection: the reward
// and its components, and the continuous per-entity, environment and mission
// fields of the next state. Slot positions are left out; they sweep the
// whole orbit and carry no stable mean.
func (c *Controller) features(dp model.DataPoint) []feature {
	b := dp.Breakdown
	next := dp.NextState
	out := []feature{
		{FeatureReward, dp.Reward},
		{FeatureTrackingReward, b.TrackingPerformance},
		{FeatureEfficiencyReward, b.ResourceEfficiency},
		{FeatureCompletionReward, b.MissionCompletion},
		{FeaturePenalties, b.Penalties.Total()},
		{FeatureSolarActivity, next.Environment.SolarActivity},
		{FeatureMissionProgress, next.Mission.Progress},
		{FeatureActiveTargets, next.Mission.ActiveTargets},
	}
	for _, s := range next.Satellites {
		if s.Valid {
			out = append(out,
				feature{FeatureSatelliteSpeed, c.cfg.Bounds.SatelliteSpeed(s.Velocity)},
				feature{FeatureSatellitePower, s.PowerLevel},
			)
		}
	}
	for _, m := range next.Missiles {
		if m.Valid {
			out = append(out,
				feature{FeatureMissileSpeed, c.cfg.Bounds.MissileSpeed(m.Velocity)},
				feature{FeatureMissileTimeToImpact, m.TimeToImpact},
				feature{FeatureMissileCoverage, m.Coverage},
			)
		}
	}
	return out
}

// FlagOutliers re-checks the retained points of episodes, in order, against
// statistics over every point before them, folding each point in after its
// own check. Statistical outlier flags from an earlier check are replaced,
// point scores and episode anomaly counts are updated in place, and the
// number of outliers flagged is returned. It reads only the configuration
// and is safe for concurrent use.
func (c *Controller) FlagOutliers(episodes []model.EpisodeRecord, running *stats.FeatureStats) int {
	flagged := 0
	for i := range episodes {
		ep := &episodes[i]
		ep.Anomalies = 0
		for k := range ep.Points {
			dp := &ep.Points[k]
			var kept []model.Anomaly
			for _, a := range dp.Quality.Anomalies {
				if a.Kind != model.AnomalyStatisticalOutlier {
					kept = append(kept, a)
				}
			}
			features := c.features(*dp)
			found := c.outliers(features, running)
			dp.Quality.Anomalies = append(kept, found...)
			dp.Quality.Score = score(dp.Quality)
			for _, f := range features {
				running.Add(f.name, f.value)
			}
			ep.Anomalies += len(dp.Quality.Anomalies)
			flagged += len(found)
		}
	}
	return flagged
}

func (c *Controller) outliers(features []feature, running *stats.FeatureStats) []model.Anomaly {
	var out []model.Anomaly
	for _, f := range features {
		w, ok := running.Get(f.name)
		if !ok || w.Count() < c.cfg.MinSamples {
			continue
		}
		if z := w.ZScore(f.value); math.Abs(z) > c.cfg.OutlierSigma {
			out = append(out, model.Anomaly{Kind: model.AnomalyStatisticalOutlier, Feature: f.name, Value: f.value, Score: z})
		}
	}
	return out
}

func (c *Controller) physical(dp model.DataPoint) []model.Anomaly {
	var out []model.Anomaly
	for _, m := range dp.NextState.Missiles {
		if !m.Valid {
			continue
		}
		if speed := c.cfg.Bounds.MissileSpeed(m.Velocity); speed > c.cfg.MissileSpeedEnvelopeKms {
			out = append(out, model.Anomaly{
				Kind:    model.AnomalyPhysicalConstraint,
				Feature: fmt.Sprintf("missiles[%s].speed_kms", m.ID),
				Value:   speed,
				Score:   speed / c.cfg.MissileSpeedEnvelopeKms,
			})
		}
	}

	before := make(map[string]model.Vec3, len(dp.State.Satellites))
	for _, s := range dp.State.Satellites {
		if s.Valid {
			before[s.ID] = c.cfg.Bounds.Position(s.Position)
		}
	}
	for _, s := range dp.NextState.Satellites {
		if !s.Valid {
			continue
		}
		prev, ok := before[s.ID]
		if !ok {
			continue
		}
		if d := prev.DistanceTo(c.cfg.Bounds.Position(s.Position)); d > c.cfg.MaxPositionJumpKm {
			out = append(out, model.Anomaly{
				Kind:    model.AnomalyPositionJump,
				Feature: fmt.Sprintf("satellites[%s].position_km", s.ID),
				Value:   d,
				Score:   d / c.cfg.MaxPositionJumpKm,
			})
		}
	}
	return out
}

func score(r model.QualityReport) float64 {
	s := 1 - failurePenalty*float64(len(r.Failures))
	for _, a := range r.Anomalies {
		if a.Kind == model.AnomalyPhysicalConstraint {
			s -= physicalPenalty
		} else {
			s -= anomalyPenalty
		}
	}
	return math.Max(0, math.Min(1, s))
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
