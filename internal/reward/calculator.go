// Package reward scores one transition with a weighted multi-objective reward.
package reward

import (
	"math"
	"sort"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Per-item loads used by the efficiency sub-metrics.
const (
	commLoadPerControl    = 0.1
	commLoadPerAssignment = 0.2
	compLoadPerAttitude   = 0.3
	compLoadPerPointing   = 0.2
	compLoadPerAssignment = 0.1
	compLoadPerAllocation = 0.2

	coverageGapFactor = 0.3
	noResponseFactor  = 0.5
)

// Calculator computes rewards. It holds only validated configuration and is
// safe for concurrent use.
type Calculator struct {
	cfg Config
}

// NewCalculator validates cfg and returns a calculator. Weight sets that do
// not sum to 1 and zero normalization maxima fail with a ConfigurationError.
func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg}, nil
}

// Config returns the calculator configuration.
func (c *Calculator) Config() Config { return c.cfg }

// Compute scores the transition from prev under action to next. It is a pure
// function of its inputs.
func (c *Calculator) Compute(prev model.StateVector, action model.ActionSpec, next model.Snapshot, scenario model.ScenarioConfig) model.RewardBreakdown {
	sc := newScene(next)

	tracking := model.TrackingMetrics{
		CoverageTimeRatio:    clamp01(sc.coverageRatio() * (0.5 + 0.5*clamp01(next.MissionProgress))),
		TrackingAccuracy:     clamp01(c.trackingAccuracy(action)),
		DetectionSuccessRate: clamp01(sc.detectionRate(prev)),
	}
	efficiency := model.EfficiencyMetrics{
		PowerEfficiency:         clamp01(sc.powerEfficiency(action)),
		CommunicationEfficiency: clamp01(1 - communicationLoad(action)/c.cfg.MaxCommunicationLoad),
		ComputationalEfficiency: clamp01(1 - computationLoad(action)/c.cfg.MaxComputationLoad),
	}
	completion := model.CompletionMetrics{
		ThreatNeutralizationRate:  clamp01(sc.neutralizationRate(c.cfg.MaxThreatLevel)),
		ResponseTimeFactor:        clamp01(sc.responseFactor(action, scenario.Time.MaxResponseTimeS)),
		CoordinationEffectiveness: clamp01(sc.coordination()),
	}

	b := model.RewardBreakdown{
		TrackingPerformance: clamp01(weighted(c.cfg.Tracking, tracking.CoverageTimeRatio, tracking.TrackingAccuracy, tracking.DetectionSuccessRate)),
		ResourceEfficiency:  clamp01(weighted(c.cfg.Efficiency, efficiency.PowerEfficiency, efficiency.CommunicationEfficiency, efficiency.ComputationalEfficiency)),
		MissionCompletion:   clamp01(weighted(c.cfg.Completion, completion.ThreatNeutralizationRate, completion.ResponseTimeFactor, completion.CoordinationEffectiveness)),
		Tracking:            tracking,
		Efficiency:          efficiency,
		Completion:          completion,
		Weights:             c.cfg.Categories,
		Penalties: model.Penalties{
			FalseAlarm:     c.cfg.Penalties.FalseAlarm * sc.falseAlarmRatio(action),
			ResourceWaste:  c.cfg.Penalties.ResourceWaste * sc.wastedPower(action),
			MissionFailure: c.cfg.Penalties.MissionFailure * sc.failureSeverity(action),
		},
	}
	w := c.cfg.Categories
	b.Total = w.Tracking*b.TrackingPerformance + w.Efficiency*b.ResourceEfficiency + w.Completion*b.MissionCompletion - b.Penalties.Total()
	return b
}

func (c *Calculator) trackingAccuracy(action model.ActionSpec) float64 {
	if len(action.Satellites) == 0 {
		return 0
	}
	sum := 0.0
	for _, id := range controlIDs(action) {
		switch action.Satellites[id].PointingMode {
		case model.PointingTracking:
			sum += c.cfg.Modes.Tracking
		case model.PointingScanning:
			sum += c.cfg.Modes.Scanning
		default:
			sum += c.cfg.Modes.Fixed
		}
	}
	return sum / float64(len(action.Satellites))
}

func communicationLoad(action model.ActionSpec) float64 {
	return commLoadPerControl*float64(len(action.Satellites)) + commLoadPerAssignment*float64(len(action.Mission.Assignments))
}

func computationLoad(action model.ActionSpec) float64 {
	load := 0.0
	for _, id := range controlIDs(action) {
		ctl := action.Satellites[id]
		load += compLoadPerAttitude
		if ctl.PointingMode != "" && ctl.PointingMode != model.PointingFixed {
			load += compLoadPerPointing
		}
	}
	load += compLoadPerAssignment * float64(len(action.Mission.Assignments))
	load += compLoadPerAllocation * float64(len(action.Mission.ResourceAllocation))
	return load
}

// scene caches per-snapshot visibility counts.
type scene struct {
	snap model.Snapshot
	// seenBy[j] is the number of satellites that see missile j.
	seenBy []int
	// sees[i] is the number of active missiles satellite i sees.
	sees   []int
	active int
}

func newScene(snap model.Snapshot) scene {
	sc := scene{
		snap:   snap,
		seenBy: make([]int, len(snap.Missiles)),
		sees:   make([]int, len(snap.Satellites)),
	}
	for j, m := range snap.Missiles {
		if m.Neutralized {
			continue
		}
		sc.active++
		for i := range snap.Satellites {
			if snap.Visible(i, j) {
				sc.seenBy[j]++
				sc.sees[i]++
			}
		}
	}
	return sc
}

func (sc scene) covered() int {
	n := 0
	for j, m := range sc.snap.Missiles {
		if !m.Neutralized && sc.seenBy[j] > 0 {
			n++
		}
	}
	return n
}

func (sc scene) coverageRatio() float64 {
	if sc.active == 0 {
		return 1
	}
	return float64(sc.covered()) / float64(sc.active)
}

// detectionRate is the fraction of missiles known in prev that are still
// seen in the next snapshot. Without prior tracks it falls back to the
// fraction of active missiles seen.
func (sc scene) detectionRate(prev model.StateVector) float64 {
	known, kept := 0, 0
	for _, slot := range prev.Missiles {
		if !slot.Valid {
			continue
		}
		j := sc.snap.MissileIndex(slot.ID)
		if j < 0 || sc.snap.Missiles[j].Neutralized {
			continue
		}
		known++
		if sc.seenBy[j] > 0 {
			kept++
		}
	}
	if known == 0 {
		return sc.coverageRatio()
	}
	return float64(kept) / float64(known)
}

// powerEfficiency rewards payload power on satellites that see a target and
// penalizes it on satellites that see nothing.
func (sc scene) powerEfficiency(action model.ActionSpec) float64 {
	if len(action.Satellites) == 0 {
		return 1
	}
	sum := 0.0
	for _, id := range controlIDs(action) {
		payload := clamp01(action.Satellites[id].Power.Payload)
		if i := sc.snap.SatelliteIndex(id); i >= 0 && sc.sees[i] > 0 {
			sum += 0.5 + 0.5*payload
		} else {
			sum += 1 - payload
		}
	}
	return sum / float64(len(action.Satellites))
}

// neutralizationRate is the threat-weighted share of missiles that are
// neutralized or held in track.
func (sc scene) neutralizationRate(maxThreat float64) float64 {
	total, achieved := 0.0, 0.0
	for j, m := range sc.snap.Missiles {
		w := math.Max(float64(m.ThreatLevel), 1) / maxThreat
		total += w
		if m.Neutralized || sc.seenBy[j] > 0 {
			achieved += w
		}
	}
	if total == 0 {
		return 1
	}
	return achieved / total
}

// responseFactor is the share of active missiles with an assignment. Missiles
// assigned with less than maxResponse seconds to impact earn partial credit.
func (sc scene) responseFactor(action model.ActionSpec, maxResponse float64) float64 {
	if len(action.Mission.Assignments) == 0 {
		return 0.5
	}
	if sc.active == 0 {
		return 1
	}
	credit := make([]float64, len(sc.snap.Missiles))
	for _, as := range action.Mission.Assignments {
		j := sc.snap.MissileIndex(as.TargetID)
		if j < 0 || sc.snap.Missiles[j].Neutralized {
			continue
		}
		c := 1.0
		if tti := sc.snap.Missiles[j].TimeToImpactS; maxResponse > 0 && tti < maxResponse {
			c = clamp01(tti / maxResponse)
		}
		if c > credit[j] {
			credit[j] = c
		}
	}
	sum := 0.0
	for _, c := range credit {
		sum += c
	}
	return sum / float64(sc.active)
}

// coordination combines how evenly satellites share the tracking load with
// how many active missiles are covered at all.
func (sc scene) coordination() float64 {
	score := 0.0
	if len(sc.sees) > 0 {
		mean, sd := meanStd(sc.sees)
		if mean > 0 {
			score += 0.5 * (1 - math.Min(1, sd/mean))
		}
	}
	if sc.active > 0 {
		score += 0.5 * float64(sc.covered()) / float64(sc.active)
	}
	return score
}

// falseAlarmRatio is the share of assignments whose satellite or target is
// not present and active.
func (sc scene) falseAlarmRatio(action model.ActionSpec) float64 {
	n := len(action.Mission.Assignments)
	if n == 0 {
		return 0
	}
	bad := 0
	for _, as := range action.Mission.Assignments {
		j := sc.snap.MissileIndex(as.TargetID)
		if j < 0 || sc.snap.Missiles[j].Neutralized || sc.snap.SatelliteIndex(as.SatelliteID) < 0 {
			bad++
		}
	}
	return float64(bad) / float64(n)
}

// wastedPower is the mean payload power on satellites that see nothing, plus
// any allocation above the budget.
func (sc scene) wastedPower(action model.ActionSpec) float64 {
	if len(action.Satellites) == 0 {
		return 0
	}
	waste := 0.0
	for _, id := range controlIDs(action) {
		ctl := action.Satellites[id]
		if over := ctl.Power.Sum() - 1; over > model.PowerSumTolerance {
			waste += over
		}
		if i := sc.snap.SatelliteIndex(id); i < 0 || sc.sees[i] == 0 {
			waste += clamp01(ctl.Power.Payload)
		}
	}
	return waste / float64(len(action.Satellites))
}

// failureSeverity grows with the coverage gap and jumps when active threats
// receive no assignment at all.
func (sc scene) failureSeverity(action model.ActionSpec) float64 {
	if sc.active == 0 {
		return 0
	}
	severity := coverageGapFactor * (1 - sc.coverageRatio())
	responded := false
	for _, as := range action.Mission.Assignments {
		if j := sc.snap.MissileIndex(as.TargetID); j >= 0 && !sc.snap.Missiles[j].Neutralized {
			responded = true
			break
		}
	}
	if !responded {
		severity += noResponseFactor
	}
	return severity
}

// controlIDs returns the controlled satellite ids in sorted order so that
// floating-point sums do not depend on map iteration order.
func controlIDs(action model.ActionSpec) []string {
	ids := make([]string, 0, len(action.Satellites))
	for id := range action.Satellites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func weighted(w model.SubWeights, a, b, c float64) float64 {
	return w[0]*a + w[1]*b + w[2]*c
}

func meanStd(xs []int) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += float64(x)
	}
	mean := sum / float64(len(xs))
	v := 0.0
	for _, x := range xs {
		d := float64(x) - mean
		v += d * d
	}
	return mean, math.Sqrt(v / float64(len(xs)))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
