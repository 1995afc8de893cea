package encoder

import "github.com/signalsfoundry/constellation-rlhf/model"

// EncodeAction flattens an action into the layout defined by the slots of
// state. Controls for satellites outside the state slots are dropped, and
// assignments are attributed to the missile slot holding their target.
func EncodeAction(action model.ActionSpec, state model.StateVector) []float64 {
	maxMissiles := len(state.Missiles)
	out := make([]float64, 0, len(state.Satellites)*model.SatelliteActionWidth+maxMissiles*model.MissileActionWidth)

	for _, slot := range state.Satellites {
		ctl, ok := action.Satellites[slot.ID]
		if !slot.Valid || !ok {
			out = append(out, make([]float64, model.SatelliteActionWidth)...)
			continue
		}
		att, _ := ctl.AttitudeTarget.Normalized()
		target := 0.0
		if ctl.PointingTarget != "" && maxMissiles > 0 {
			if j := state.MissileSlotByID(ctl.PointingTarget); j >= 0 {
				target = float64(j+1) / float64(maxMissiles)
			}
		}
		out = append(out,
			1,
			att.W, att.X, att.Y, att.Z,
			ctl.PointingMode.Encode(),
			target,
			ctl.Power.Payload, ctl.Power.Communication, ctl.Power.Computation, ctl.Power.Attitude,
		)
	}

	assigned := make([]float64, maxMissiles)
	priority := make([]float64, maxMissiles)
	for _, as := range action.Mission.Assignments {
		j := state.MissileSlotByID(as.TargetID)
		if j < 0 {
			continue
		}
		assigned[j] = 1
		if p := float64(as.Priority) / model.MaxAssignmentPriority; p > priority[j] {
			priority[j] = p
		}
	}
	for j := 0; j < maxMissiles; j++ {
		out = append(out, assigned[j], priority[j])
	}
	return out
}
