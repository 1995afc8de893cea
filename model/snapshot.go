package model

import "time"

// ThreatLevel ranks missile danger from 1 (low) to 4 (critical).
type ThreatLevel int

const (
	ThreatUnknown ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

// MaxThreatLevel is the highest defined threat level.
const MaxThreatLevel = ThreatCritical

func (l ThreatLevel) String() string {
	switch l {
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PointingMode is the payload pointing mode.
type PointingMode string

const (
	PointingFixed    PointingMode = "fixed"
	PointingScanning PointingMode = "scanning"
	PointingTracking PointingMode = "tracking"
)

// Encode maps the mode to its numeric slot value.
func (m PointingMode) Encode() float64 {
	switch m {
	case PointingTracking:
		return 1
	case PointingScanning:
		return 0.5
	default:
		return 0
	}
}

// Valid reports whether m is a known mode. The empty mode is treated as fixed.
func (m PointingMode) Valid() bool {
	switch m {
	case "", PointingFixed, PointingScanning, PointingTracking:
		return true
	}
	return false
}

// PayloadStatus is the sensor payload state of a satellite.
type PayloadStatus struct {
	Operational bool         `json:"operational" yaml:"operational"`
	Mode        PointingMode `json:"mode" yaml:"mode"`
}

// SatelliteObservation is one satellite as reported by the simulation engine.
type SatelliteObservation struct {
	ID         string        `json:"id" yaml:"id"`
	Position   Vec3          `json:"position_km" yaml:"position_km"`
	Velocity   Vec3          `json:"velocity_kms" yaml:"velocity_kms"`
	Attitude   Quaternion    `json:"attitude" yaml:"attitude"`
	PowerLevel float64       `json:"power_level" yaml:"power_level"`
	Payload    PayloadStatus `json:"payload" yaml:"payload"`
	// Priority orders satellites when the constellation exceeds the slot
	// count. Higher values are kept first.
	Priority float64 `json:"priority" yaml:"priority"`
}

// MissileObservation is one missile as reported by the simulation engine.
type MissileObservation struct {
	ID          string      `json:"id" yaml:"id"`
	Position    Vec3        `json:"position_km" yaml:"position_km"`
	Velocity    Vec3        `json:"velocity_kms" yaml:"velocity_kms"`
	ThreatLevel ThreatLevel `json:"threat_level" yaml:"threat_level"`
	// TimeToImpactS is the remaining flight time in seconds.
	TimeToImpactS float64 `json:"time_to_impact_s" yaml:"time_to_impact_s"`
	Trajectory    []Vec3  `json:"predicted_trajectory,omitempty" yaml:"predicted_trajectory,omitempty"`
	Neutralized   bool    `json:"neutralized" yaml:"neutralized"`
}

// Snapshot is the raw per-tick scene. Visibility is indexed
// [satellite][missile] in the order of the Satellites and Missiles slices.
type Snapshot struct {
	SimTime         time.Time              `json:"sim_time" yaml:"sim_time"`
	Satellites      []SatelliteObservation `json:"satellites" yaml:"satellites"`
	Missiles        []MissileObservation   `json:"missiles" yaml:"missiles"`
	Visibility      [][]bool               `json:"visibility" yaml:"visibility"`
	MissionProgress float64                `json:"mission_progress" yaml:"mission_progress"`
	InShadow        bool                   `json:"in_shadow" yaml:"in_shadow"`
}

// Visible reports whether satellite i sees missile j. Out-of-range indices
// are treated as not visible.
func (s Snapshot) Visible(i, j int) bool {
	if i < 0 || i >= len(s.Visibility) {
		return false
	}
	row := s.Visibility[i]
	if j < 0 || j >= len(row) {
		return false
	}
	return row[j]
}

// SatelliteIndex returns the index of the satellite with the given id, or -1.
func (s Snapshot) SatelliteIndex(id string) int {
	for i := range s.Satellites {
		if s.Satellites[i].ID == id {
			return i
		}
	}
	return -1
}

// MissileIndex returns the index of the missile with the given id, or -1.
func (s Snapshot) MissileIndex(id string) int {
	for i := range s.Missiles {
		if s.Missiles[i].ID == id {
			return i
		}
	}
	return -1
}

// ActiveMissiles counts missiles that are not yet neutralized.
func (s Snapshot) ActiveMissiles() int {
	n := 0
	for _, m := range s.Missiles {
		if !m.Neutralized {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Satellites = append([]SatelliteObservation(nil), s.Satellites...)
	out.Missiles = make([]MissileObservation, len(s.Missiles))
	for i, m := range s.Missiles {
		m.Trajectory = append([]Vec3(nil), m.Trajectory...)
		out.Missiles[i] = m
	}
	out.Visibility = make([][]bool, len(s.Visibility))
	for i, row := range s.Visibility {
		out.Visibility[i] = append([]bool(nil), row...)
	}
	return out
}
