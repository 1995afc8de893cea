package model

import "time"

// Per-slot widths of the flattened state vector.
const (
	SatelliteSlotWidth = 14
	MissileSlotWidth   = 10
	EnvironmentWidth   = 4
	MissionWidth       = 2
)

// StateDim returns the flattened state length for the given limits.
func StateDim(l CardinalityLimits) int {
	return l.MaxSatellites*SatelliteSlotWidth + l.MaxMissiles*MissileSlotWidth + EnvironmentWidth + MissionWidth
}

// SatelliteSlot is the normalized state of one satellite slot.
type SatelliteSlot struct {
	Valid              bool       `json:"valid" yaml:"valid"`
	ID                 string     `json:"id,omitempty" yaml:"id,omitempty"`
	Position           Vec3       `json:"position" yaml:"position"`
	Velocity           Vec3       `json:"velocity" yaml:"velocity"`
	Attitude           Quaternion `json:"attitude" yaml:"attitude"`
	PowerLevel         float64    `json:"power_level" yaml:"power_level"`
	PayloadOperational bool       `json:"payload_operational" yaml:"payload_operational"`
	PointingMode       float64    `json:"pointing_mode" yaml:"pointing_mode"`
}

// MissileSlot is the normalized state of one missile slot.
type MissileSlot struct {
	Valid        bool    `json:"valid" yaml:"valid"`
	ID           string  `json:"id,omitempty" yaml:"id,omitempty"`
	Position     Vec3    `json:"position" yaml:"position"`
	Velocity     Vec3    `json:"velocity" yaml:"velocity"`
	ThreatLevel  float64 `json:"threat_level" yaml:"threat_level"`
	TimeToImpact float64 `json:"time_to_impact" yaml:"time_to_impact"`
	Coverage     float64 `json:"coverage" yaml:"coverage"`
}

// EnvironmentBlock is the normalized environment state.
type EnvironmentBlock struct {
	TimeOfDay     float64 `json:"time_of_day" yaml:"time_of_day"`
	Season        float64 `json:"season" yaml:"season"`
	SolarActivity float64 `json:"solar_activity" yaml:"solar_activity"`
	Shadow        bool    `json:"shadow" yaml:"shadow"`
}

// MissionBlock is the normalized mission state.
type MissionBlock struct {
	Progress      float64 `json:"progress" yaml:"progress"`
	ActiveTargets float64 `json:"active_target_count" yaml:"active_target_count"`
}

// IssueKind classifies a malformed input field.
type IssueKind string

const (
	IssueNonFinite   IssueKind = "non_finite"
	IssueOutOfBounds IssueKind = "out_of_bounds"
	IssueDegenerate  IssueKind = "degenerate"
)

// StateIssue records a raw field the encoder could not represent faithfully.
type StateIssue struct {
	Field string    `json:"field" yaml:"field"`
	Value float64   `json:"value" yaml:"value"`
	Kind  IssueKind `json:"kind" yaml:"kind"`
}

// StateVector is the fixed-shape encoding of one snapshot. Values is the
// flattened form; the remaining fields are the same data in structured form.
type StateVector struct {
	SimTime     time.Time        `json:"sim_time" yaml:"sim_time"`
	Values      []float64        `json:"values" yaml:"values"`
	Satellites  []SatelliteSlot  `json:"satellites" yaml:"satellites"`
	Missiles    []MissileSlot    `json:"missiles" yaml:"missiles"`
	Environment EnvironmentBlock `json:"environment" yaml:"environment"`
	Mission     MissionBlock     `json:"mission" yaml:"mission"`
	// Visibility is indexed [satellite slot][missile slot].
	Visibility [][]bool     `json:"visibility" yaml:"visibility"`
	Issues     []StateIssue `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// Dim returns the flattened length.
func (s StateVector) Dim() int { return len(s.Values) }

// MissileSlotByID returns the slot index holding the missile, or -1.
func (s StateVector) MissileSlotByID(id string) int {
	for i, m := range s.Missiles {
		if m.Valid && m.ID == id {
			return i
		}
	}
	return -1
}

// ValidMissiles counts occupied missile slots.
func (s StateVector) ValidMissiles() int {
	n := 0
	for _, m := range s.Missiles {
		if m.Valid {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (s StateVector) Clone() StateVector {
	out := s
	out.Values = append([]float64(nil), s.Values...)
	out.Satellites = append([]SatelliteSlot(nil), s.Satellites...)
	out.Missiles = append([]MissileSlot(nil), s.Missiles...)
	out.Issues = append([]StateIssue(nil), s.Issues...)
	if s.Visibility != nil {
		out.Visibility = make([][]bool, len(s.Visibility))
		for i, row := range s.Visibility {
			out.Visibility[i] = append([]bool(nil), row...)
		}
	}
	return out
}
