// Package encoder projects raw simulation snapshots onto the fixed-shape
// state layout and flattens actions into the matching action layout.
package encoder

import (
	"fmt"
	"math"
	"sort"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

const secondsPerDay = 86400.0

// Encoder is a pure snapshot-to-state projection. The zero value is not
// usable; construct with New.
type Encoder struct {
	bounds Bounds
}

// New validates the bounds and returns an encoder.
func New(bounds Bounds) (*Encoder, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	return &Encoder{bounds: bounds}, nil
}

// Bounds returns the physical limits the encoder normalizes against.
func (e *Encoder) Bounds() Bounds { return e.bounds }

// Encode builds the state vector for snap using the slot counts in cfg.Limits.
// The same snapshot and configuration always produce the same vector.
func (e *Encoder) Encode(snap model.Snapshot, cfg model.ScenarioConfig) model.StateVector {
	limits := cfg.Limits
	enc := &encoding{bounds: e.bounds}

	missileOrder := orderMissiles(snap)
	satOrder := orderSatellites(snap)
	if len(missileOrder) > limits.MaxMissiles {
		missileOrder = missileOrder[:limits.MaxMissiles]
	}
	if len(satOrder) > limits.MaxSatellites {
		satOrder = satOrder[:limits.MaxSatellites]
	}

	sv := model.StateVector{
		SimTime:    snap.SimTime,
		Satellites: make([]model.SatelliteSlot, limits.MaxSatellites),
		Missiles:   make([]model.MissileSlot, limits.MaxMissiles),
		Visibility: make([][]bool, limits.MaxSatellites),
	}
	for i, idx := range satOrder {
		sv.Satellites[i] = enc.satellite(snap.Satellites[idx])
	}
	for j, idx := range missileOrder {
		sv.Missiles[j] = enc.missile(snap.Missiles[idx], coverage(snap, idx))
	}
	for i := range sv.Visibility {
		sv.Visibility[i] = make([]bool, limits.MaxMissiles)
		if i >= len(satOrder) {
			continue
		}
		for j, midx := range missileOrder {
			sv.Visibility[i][j] = snap.Visible(satOrder[i], midx)
		}
	}

	sv.Environment = model.EnvironmentBlock{
		TimeOfDay:     timeOfDay(snap),
		Season:        categoryIndex(model.Seasons, cfg.Environment.Season),
		SolarActivity: categoryIndex(model.SolarActivityLevels, cfg.Environment.SolarActivity),
		Shadow:        snap.InShadow,
	}
	progress := enc.finite("mission.progress", snap.MissionProgress)
	if progress < 0 || progress > 1 {
		enc.issue("mission.progress", progress, model.IssueOutOfBounds)
	}
	sv.Mission = model.MissionBlock{Progress: progress}
	if limits.MaxMissiles > 0 {
		sv.Mission.ActiveTargets = float64(snap.ActiveMissiles()) / float64(limits.MaxMissiles)
	}

	sv.Values = Flatten(sv)
	sv.Issues = enc.issues
	return sv
}

// Flatten writes the structured state into its flat layout.
func Flatten(sv model.StateVector) []float64 {
	out := make([]float64, 0, len(sv.Satellites)*model.SatelliteSlotWidth+len(sv.Missiles)*model.MissileSlotWidth+model.EnvironmentWidth+model.MissionWidth)
	for _, s := range sv.Satellites {
		out = append(out,
			boolValue(s.Valid),
			s.Position.X, s.Position.Y, s.Position.Z,
			s.Velocity.X, s.Velocity.Y, s.Velocity.Z,
			s.Attitude.W, s.Attitude.X, s.Attitude.Y, s.Attitude.Z,
			s.PowerLevel,
			boolValue(s.PayloadOperational),
			s.PointingMode,
		)
	}
	for _, m := range sv.Missiles {
		out = append(out,
			boolValue(m.Valid),
			m.Position.X, m.Position.Y, m.Position.Z,
			m.Velocity.X, m.Velocity.Y, m.Velocity.Z,
			m.ThreatLevel,
			m.TimeToImpact,
			m.Coverage,
		)
	}
	env := sv.Environment
	out = append(out, env.TimeOfDay, env.Season, env.SolarActivity, boolValue(env.Shadow))
	out = append(out, sv.Mission.Progress, sv.Mission.ActiveTargets)
	return out
}

// encoding accumulates issues for a single Encode call.
type encoding struct {
	bounds Bounds
	issues []model.StateIssue
}

// issue records a malformed field. Non-finite values are stored as 0 so the
// issue list always serializes; Kind keeps the distinction.
func (e *encoding) issue(field string, v float64, kind model.IssueKind) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	e.issues = append(e.issues, model.StateIssue{Field: field, Value: v, Kind: kind})
}

// finite returns v, or 0 with a recorded issue when v is NaN or infinite.
func (e *encoding) finite(field string, v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		e.issue(field, v, model.IssueNonFinite)
		return 0
	}
	return v
}

func (e *encoding) vec(field string, v model.Vec3) model.Vec3 {
	return model.Vec3{
		X: e.finite(field+".x", v.X),
		Y: e.finite(field+".y", v.Y),
		Z: e.finite(field+".z", v.Z),
	}
}

func (e *encoding) satellite(s model.SatelliteObservation) model.SatelliteSlot {
	prefix := fmt.Sprintf("satellites[%s]", s.ID)
	pos := e.vec(prefix+".position", s.Position)
	vel := e.vec(prefix+".velocity", s.Velocity)

	if alt := pos.Norm() - model.EarthRadiusKm; alt < e.bounds.MinSatelliteAltitudeKm || alt > e.bounds.MaxSatelliteAltitudeKm {
		e.issue(prefix+".altitude_km", alt, model.IssueOutOfBounds)
	}
	if speed := vel.Norm(); speed > e.bounds.MaxSatelliteSpeedKms {
		e.issue(prefix+".speed_kms", speed, model.IssueOutOfBounds)
	}

	att, ok := s.Attitude.Normalized()
	if !ok {
		e.issue(prefix+".attitude", s.Attitude.Norm(), model.IssueDegenerate)
	}

	power := e.finite(prefix+".power_level", s.PowerLevel)
	if power < 0 || power > 1 {
		e.issue(prefix+".power_level", power, model.IssueOutOfBounds)
	}

	return model.SatelliteSlot{
		Valid:              true,
		ID:                 s.ID,
		Position:           pos.Scale(1 / e.bounds.PositionScaleKm),
		Velocity:           vel.Scale(1 / e.bounds.MaxSatelliteSpeedKms),
		Attitude:           att,
		PowerLevel:         power,
		PayloadOperational: s.Payload.Operational,
		PointingMode:       s.Payload.Mode.Encode(),
	}
}

func (e *encoding) missile(m model.MissileObservation, cov float64) model.MissileSlot {
	prefix := fmt.Sprintf("missiles[%s]", m.ID)
	pos := e.vec(prefix+".position", m.Position)
	vel := e.vec(prefix+".velocity", m.Velocity)

	if alt := pos.Norm() - model.EarthRadiusKm; alt < e.bounds.MinMissileAltitudeKm || alt > e.bounds.MaxMissileAltitudeKm {
		e.issue(prefix+".altitude_km", alt, model.IssueOutOfBounds)
	}
	if speed := vel.Norm(); speed > e.bounds.MaxMissileSpeedKms {
		e.issue(prefix+".speed_kms", speed, model.IssueOutOfBounds)
	}
	if m.ThreatLevel < model.ThreatLow || m.ThreatLevel > model.MaxThreatLevel {
		e.issue(prefix+".threat_level", float64(m.ThreatLevel), model.IssueOutOfBounds)
	}
	tti := e.finite(prefix+".time_to_impact_s", m.TimeToImpactS)
	if tti < 0 || tti > e.bounds.MaxTimeToImpactS {
		e.issue(prefix+".time_to_impact_s", tti, model.IssueOutOfBounds)
	}

	return model.MissileSlot{
		Valid:        true,
		ID:           m.ID,
		Position:     pos.Scale(1 / e.bounds.PositionScaleKm),
		Velocity:     vel.Scale(1 / e.bounds.MaxMissileSpeedKms),
		ThreatLevel:  float64(m.ThreatLevel) / float64(model.MaxThreatLevel),
		TimeToImpact: tti / e.bounds.MaxTimeToImpactS,
		Coverage:     cov,
	}
}

// orderMissiles returns indices of active missiles ordered by time to impact
// ascending, then threat level descending, then id ascending.
func orderMissiles(snap model.Snapshot) []int {
	idx := make([]int, 0, len(snap.Missiles))
	for i, m := range snap.Missiles {
		if !m.Neutralized {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ma, mb := snap.Missiles[idx[a]], snap.Missiles[idx[b]]
		ta, tb := sortKey(ma.TimeToImpactS, math.Inf(1)), sortKey(mb.TimeToImpactS, math.Inf(1))
		if ta != tb {
			return ta < tb
		}
		if ma.ThreatLevel != mb.ThreatLevel {
			return ma.ThreatLevel > mb.ThreatLevel
		}
		return ma.ID < mb.ID
	})
	return idx
}

// orderSatellites returns satellite indices ordered by priority descending,
// then number of visible missiles descending, then id ascending.
func orderSatellites(snap model.Snapshot) []int {
	visible := make([]int, len(snap.Satellites))
	for i := range snap.Satellites {
		for j := range snap.Missiles {
			if !snap.Missiles[j].Neutralized && snap.Visible(i, j) {
				visible[i]++
			}
		}
	}
	idx := make([]int, len(snap.Satellites))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := snap.Satellites[idx[a]], snap.Satellites[idx[b]]
		pa, pb := sortKey(sa.Priority, math.Inf(-1)), sortKey(sb.Priority, math.Inf(-1))
		if pa != pb {
			return pa > pb
		}
		if visible[idx[a]] != visible[idx[b]] {
			return visible[idx[a]] > visible[idx[b]]
		}
		return sa.ID < sb.ID
	})
	return idx
}

// coverage is the fraction of satellites that see missile j.
func coverage(snap model.Snapshot, j int) float64 {
	if len(snap.Satellites) == 0 {
		return 0
	}
	n := 0
	for i := range snap.Satellites {
		if snap.Visible(i, j) {
			n++
		}
	}
	return float64(n) / float64(len(snap.Satellites))
}

func timeOfDay(snap model.Snapshot) float64 {
	t := snap.SimTime.UTC()
	secs := float64(t.Hour()*3600+t.Minute()*60+t.Second()) + float64(t.Nanosecond())/1e9
	return secs / secondsPerDay
}

// categoryIndex maps a category to [0,1] by its position in levels. Unknown
// values map to 0.
func categoryIndex(levels []string, v string) float64 {
	if len(levels) < 2 {
		return 0
	}
	for i, l := range levels {
		if l == v {
			return float64(i) / float64(len(levels)-1)
		}
	}
	return 0
}

func sortKey(v, nan float64) float64 {
	if math.IsNaN(v) {
		return nan
	}
	return v
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
