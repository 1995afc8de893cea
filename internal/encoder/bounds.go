package encoder

import "github.com/signalsfoundry/constellation-rlhf/model"

// Bounds are the declared physical limits used to normalize raw values and to
// flag malformed ones.
type Bounds struct {
	// PositionScaleKm divides every position component.
	PositionScaleKm        float64 `json:"position_scale_km" yaml:"position_scale_km" validate:"gt=0"`
	MinSatelliteAltitudeKm float64 `json:"min_satellite_altitude_km" yaml:"min_satellite_altitude_km"`
	MaxSatelliteAltitudeKm float64 `json:"max_satellite_altitude_km" yaml:"max_satellite_altitude_km" validate:"gtfield=MinSatelliteAltitudeKm"`
	MinMissileAltitudeKm   float64 `json:"min_missile_altitude_km" yaml:"min_missile_altitude_km"`
	MaxMissileAltitudeKm   float64 `json:"max_missile_altitude_km" yaml:"max_missile_altitude_km" validate:"gtfield=MinMissileAltitudeKm"`
	MaxSatelliteSpeedKms   float64 `json:"max_satellite_speed_kms" yaml:"max_satellite_speed_kms" validate:"gt=0"`
	MaxMissileSpeedKms     float64 `json:"max_missile_speed_kms" yaml:"max_missile_speed_kms" validate:"gt=0"`
	MaxTimeToImpactS       float64 `json:"max_time_to_impact_s" yaml:"max_time_to_impact_s" validate:"gt=0"`
}

// DefaultBounds returns limits covering LEO through high orbits and
// ballistic missile flight.
func DefaultBounds() Bounds {
	return Bounds{
		PositionScaleKm:        60000,
		MinSatelliteAltitudeKm: 200,
		MaxSatelliteAltitudeKm: 50000,
		MinMissileAltitudeKm:   -1,
		MaxMissileAltitudeKm:   2000,
		MaxSatelliteSpeedKms:   15,
		MaxMissileSpeedKms:     8,
		MaxTimeToImpactS:       7200,
	}
}

// Validate rejects zero denominators and inverted altitude bands.
func (b Bounds) Validate() error {
	for _, c := range []struct {
		field string
		v     float64
	}{
		{"position_scale_km", b.PositionScaleKm},
		{"max_satellite_speed_kms", b.MaxSatelliteSpeedKms},
		{"max_missile_speed_kms", b.MaxMissileSpeedKms},
		{"max_time_to_impact_s", b.MaxTimeToImpactS},
	} {
		if !(c.v > 0) {
			return model.NewConfigurationError(c.field, "must be positive, got %g", c.v)
		}
	}
	if err := (model.Range{Min: b.MinSatelliteAltitudeKm, Max: b.MaxSatelliteAltitudeKm}).Validate("satellite_altitude_km"); err != nil {
		return err
	}
	return (model.Range{Min: b.MinMissileAltitudeKm, Max: b.MaxMissileAltitudeKm}).Validate("missile_altitude_km")
}

// SatelliteSpeed converts a normalized slot velocity back to km/s.
func (b Bounds) SatelliteSpeed(normalized model.Vec3) float64 {
	return normalized.Norm() * b.MaxSatelliteSpeedKms
}

// MissileSpeed converts a normalized slot velocity back to km/s.
func (b Bounds) MissileSpeed(normalized model.Vec3) float64 {
	return normalized.Norm() * b.MaxMissileSpeedKms
}

// Position converts a normalized slot position back to kilometres.
func (b Bounds) Position(normalized model.Vec3) model.Vec3 {
	return normalized.Scale(b.PositionScaleKm)
}
