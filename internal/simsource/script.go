package simsource

import (
	"time"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Geometry of the linear script.
const (
	linearSatAltitudeKm = 550.0
	linearSatSpeedKms   = 7.5
	linearMissileAltKm  = 100.0
	linearSensorRangeKm = 4000.0
	linearImpactS       = 900.0
)

// LinearScript returns a ScriptFunc producing steps+1 snapshots at the
// scenario's decision interval: satellites on a straight pass above missiles
// descending toward impact. The output depends only on the scenario and
// start, so repeated calls are identical.
func LinearScript(steps int, start time.Time) ScriptFunc {
	return func(cfg model.ScenarioConfig) []model.Snapshot {
		dt := cfg.Time.DecisionIntervalS
		if dt <= 0 {
			dt = 10
		}
		sats := cfg.Constellation.Total()
		if sats <= 0 {
			sats = 2
		}
		perPlane := max(cfg.Constellation.SatellitesPerPlane, 1)
		missiles := cfg.MissileCount
		if missiles <= 0 {
			missiles = 1
		}

		out := make([]model.Snapshot, steps+1)
		for k := range out {
			t := float64(k) * dt
			snap := model.Snapshot{
				SimTime:         start.Add(time.Duration(t * float64(time.Second))),
				Satellites:      make([]model.SatelliteObservation, sats),
				Missiles:        make([]model.MissileObservation, missiles),
				Visibility:      make([][]bool, sats),
				MissionProgress: float64(k) / float64(max(steps, 1)),
			}
			for i := range snap.Satellites {
				vel := model.Vec3{Y: linearSatSpeedKms}
				pos := model.Vec3{X: model.EarthRadiusKm + linearSatAltitudeKm, Y: -500 + 200*float64(i)}
				snap.Satellites[i] = model.SatelliteObservation{
					ID:         satelliteID(i/perPlane, i%perPlane),
					Position:   pos.Add(vel.Scale(t)),
					Velocity:   vel,
					Attitude:   model.IdentityQuaternion,
					PowerLevel: 0.9,
					Payload:    model.PayloadStatus{Operational: true, Mode: model.PointingScanning},
				}
			}
			for j := range snap.Missiles {
				vel := model.Vec3{X: 0.5, Z: -2}
				pos := model.Vec3{X: model.EarthRadiusKm + linearMissileAltKm, Z: 300 + 100*float64(j)}
				snap.Missiles[j] = model.MissileObservation{
					ID:            missileID(j),
					Position:      pos.Add(vel.Scale(t)),
					Velocity:      vel,
					ThreatLevel:   model.ThreatLevel(1 + j%int(model.MaxThreatLevel)),
					TimeToImpactS: linearImpactS - t - 10*float64(j),
				}
			}
			for i, s := range snap.Satellites {
				snap.Visibility[i] = make([]bool, missiles)
				for j, m := range snap.Missiles {
					snap.Visibility[i][j] = s.Position.DistanceTo(m.Position) <= linearSensorRangeKm &&
						model.HasLineOfSight(s.Position, m.Position)
				}
			}
			out[k] = snap
		}
		return out
	}
}
