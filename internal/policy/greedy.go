package policy

import (
	"context"
	"math"
	"sort"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Greedy is the built-in expert. Missiles are served in order of urgency
// (time to impact, then threat, then id); each goes to the visible,
// operational satellite currently holding the fewest assignments.
type Greedy struct {
	// AssignmentDurationS is attached to every target assignment.
	AssignmentDurationS float64
	TrackingPower       model.PowerAllocation
	IdlePower           model.PowerAllocation
}

// NewGreedy returns the expert with payload-heavy tracking power.
func NewGreedy() *Greedy {
	return &Greedy{
		AssignmentDurationS: 60,
		TrackingPower:       model.PowerAllocation{Payload: 0.6, Communication: 0.2, Computation: 0.15, Attitude: 0.05},
		IdlePower:           model.PowerAllocation{Payload: 0.3, Communication: 0.3, Computation: 0.2, Attitude: 0.2},
	}
}

// SelectAction assigns targets from the state's visibility mask. It never
// fails except on a cancelled context.
func (g *Greedy) SelectAction(ctx context.Context, state model.StateVector) (model.ActionSpec, error) {
	if err := ctx.Err(); err != nil {
		return model.ActionSpec{}, err
	}

	missiles := make([]int, 0, len(state.Missiles))
	for j, m := range state.Missiles {
		if m.Valid {
			missiles = append(missiles, j)
		}
	}
	sort.SliceStable(missiles, func(a, b int) bool {
		ma, mb := state.Missiles[missiles[a]], state.Missiles[missiles[b]]
		if ma.TimeToImpact != mb.TimeToImpact {
			return ma.TimeToImpact < mb.TimeToImpact
		}
		if ma.ThreatLevel != mb.ThreatLevel {
			return ma.ThreatLevel > mb.ThreatLevel
		}
		return ma.ID < mb.ID
	})

	load := make([]int, len(state.Satellites))
	target := make([]string, len(state.Satellites))
	var action model.ActionSpec
	for _, j := range missiles {
		best := -1
		for i, s := range state.Satellites {
			if !s.Valid || !s.PayloadOperational || !visible(state, i, j) {
				continue
			}
			if best < 0 || load[i] < load[best] {
				best = i
			}
		}
		if best < 0 {
			continue
		}
		m := state.Missiles[j]
		load[best]++
		if target[best] == "" {
			target[best] = m.ID
		}
		action.Mission.Assignments = append(action.Mission.Assignments, model.TargetAssignment{
			SatelliteID: state.Satellites[best].ID,
			TargetID:    m.ID,
			Priority:    priority(m.ThreatLevel),
			DurationS:   g.AssignmentDurationS,
		})
	}

	total := len(action.Mission.Assignments)
	action.Satellites = make(map[string]model.SatelliteControl)
	for i, s := range state.Satellites {
		if !s.Valid {
			continue
		}
		att, ok := s.Attitude.Normalized()
		if !ok {
			att = model.IdentityQuaternion
		}
		ctl := model.SatelliteControl{AttitudeTarget: att, PointingMode: model.PointingScanning, Power: g.IdlePower}
		if target[i] != "" {
			ctl.PointingMode = model.PointingTracking
			ctl.PointingTarget = target[i]
			ctl.Power = g.TrackingPower
		}
		action.Satellites[s.ID] = ctl
		if total > 0 && load[i] > 0 {
			if action.Mission.ResourceAllocation == nil {
				action.Mission.ResourceAllocation = make(map[string]float64)
			}
			action.Mission.ResourceAllocation[s.ID] = float64(load[i]) / float64(total)
		}
	}
	return action, nil
}

func visible(state model.StateVector, i, j int) bool {
	return i < len(state.Visibility) && j < len(state.Visibility[i]) && state.Visibility[i][j]
}

// priority maps a normalized threat level onto [1, MaxAssignmentPriority].
func priority(threat float64) int {
	p := int(math.Round(threat * model.MaxAssignmentPriority))
	if p < 1 {
		return 1
	}
	if p > model.MaxAssignmentPriority {
		return model.MaxAssignmentPriority
	}
	return p
}
