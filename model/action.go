package model

import (
	"fmt"
	"math"
)

// Per-slot widths of the flattened action vector.
const (
	SatelliteActionWidth = 11
	MissileActionWidth   = 2
)

// MaxAssignmentPriority bounds TargetAssignment.Priority.
const MaxAssignmentPriority = 10

// ActionDim returns the flattened action length for the given limits.
func ActionDim(l CardinalityLimits) int {
	return l.MaxSatellites*SatelliteActionWidth + l.MaxMissiles*MissileActionWidth
}

// PowerAllocation splits a satellite's power budget; fractions sum to 1.
type PowerAllocation struct {
	Payload       float64 `json:"payload" yaml:"payload"`
	Communication float64 `json:"communication" yaml:"communication"`
	Computation   float64 `json:"computation" yaml:"computation"`
	Attitude      float64 `json:"attitude" yaml:"attitude"`
}

// Sum returns the total of all fractions.
func (p PowerAllocation) Sum() float64 {
	return p.Payload + p.Communication + p.Computation + p.Attitude
}

// SatelliteControl is the per-satellite part of an action.
type SatelliteControl struct {
	AttitudeTarget Quaternion      `json:"attitude_target" yaml:"attitude_target"`
	PointingTarget string          `json:"pointing_target,omitempty" yaml:"pointing_target,omitempty"`
	PointingMode   PointingMode    `json:"pointing_mode" yaml:"pointing_mode"`
	Power          PowerAllocation `json:"power_allocation" yaml:"power_allocation"`
}

// TargetAssignment pairs a satellite with a missile to track.
type TargetAssignment struct {
	SatelliteID string  `json:"satellite_id" yaml:"satellite_id"`
	TargetID    string  `json:"target_id" yaml:"target_id"`
	Priority    int     `json:"priority" yaml:"priority"`
	DurationS   float64 `json:"duration_s" yaml:"duration_s"`
}

// MissionControl is the mission-level part of an action.
type MissionControl struct {
	Assignments []TargetAssignment `json:"target_assignments" yaml:"target_assignments"`
	// ResourceAllocation maps satellite id to its share of shared resources.
	ResourceAllocation map[string]float64 `json:"resource_allocation,omitempty" yaml:"resource_allocation,omitempty"`
}

// ActionSpec is the policy output for one tick.
type ActionSpec struct {
	Satellites map[string]SatelliteControl `json:"satellite_controls" yaml:"satellite_controls"`
	Mission    MissionControl              `json:"mission" yaml:"mission"`
}

// PowerSumTolerance is the allowed deviation of a power split from 1.
const PowerSumTolerance = 1e-6

// Validate checks the structural constraints of the action.
func (a ActionSpec) Validate() error {
	for id, ctl := range a.Satellites {
		if id == "" {
			return fmt.Errorf("%w: empty satellite id in controls", ErrValidation)
		}
		if !ctl.PointingMode.Valid() {
			return fmt.Errorf("%w: satellite %s: unknown pointing mode %q", ErrValidation, id, ctl.PointingMode)
		}
		p := ctl.Power
		for _, f := range []float64{p.Payload, p.Communication, p.Computation, p.Attitude} {
			if !isFinite(f) || f < 0 {
				return fmt.Errorf("%w: satellite %s: power fraction %g", ErrValidation, id, f)
			}
		}
		if math.Abs(p.Sum()-1) > PowerSumTolerance {
			return fmt.Errorf("%w: satellite %s: power fractions sum to %g", ErrValidation, id, p.Sum())
		}
	}
	for i, as := range a.Mission.Assignments {
		if as.SatelliteID == "" || as.TargetID == "" {
			return fmt.Errorf("%w: assignment %d: empty satellite or target id", ErrValidation, i)
		}
		if as.Priority < 0 || as.Priority > MaxAssignmentPriority {
			return fmt.Errorf("%w: assignment %d: priority %d outside [0,%d]", ErrValidation, i, as.Priority, MaxAssignmentPriority)
		}
		if !isFinite(as.DurationS) || as.DurationS < 0 {
			return fmt.Errorf("%w: assignment %d: duration %g", ErrValidation, i, as.DurationS)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (a ActionSpec) Clone() ActionSpec {
	out := ActionSpec{
		Mission: MissionControl{
			Assignments: append([]TargetAssignment(nil), a.Mission.Assignments...),
		},
	}
	if a.Satellites != nil {
		out.Satellites = make(map[string]SatelliteControl, len(a.Satellites))
		for k, v := range a.Satellites {
			out.Satellites[k] = v
		}
	}
	if a.Mission.ResourceAllocation != nil {
		out.Mission.ResourceAllocation = make(map[string]float64, len(a.Mission.ResourceAllocation))
		for k, v := range a.Mission.ResourceAllocation {
			out.Mission.ResourceAllocation[k] = v
		}
	}
	return out
}
