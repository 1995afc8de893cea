package simsource

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// ballistic is a missile on a great-circle arc with a parabolic altitude
// profile. Positions are ECEF kilometres; times are seconds since the
// scenario start.
type ballistic struct {
	id       string
	from, to model.Vec3 // unit vectors
	launchAt float64
	flightS  float64
	apogeeKm float64
	threat   model.ThreatLevel
	// maneuverKm is the peak cross-track offset of a manoeuvring missile.
	maneuverKm float64

	dwellS      float64
	neutralized bool
}

func missileID(j int) string { return fmt.Sprintf("msl-%02d", j) }

func (b *ballistic) impactAt() float64 { return b.launchAt + b.flightS }

func (b *ballistic) inFlight(t float64) bool {
	return t >= b.launchAt && t < b.impactAt()
}

// position returns the ECEF position at t, clamped to the flight interval.
func (b *ballistic) position(t float64) model.Vec3 {
	tau := (t - b.launchAt) / b.flightS
	tau = math.Max(0, math.Min(1, tau))

	omega := math.Acos(math.Max(-1, math.Min(1, b.from.Dot(b.to))))
	dir := b.from
	if omega > 1e-9 {
		s := math.Sin(omega)
		dir = b.from.Scale(math.Sin((1-tau)*omega) / s).Add(b.to.Scale(math.Sin(tau*omega) / s))
	}
	arc := 4 * tau * (1 - tau)
	pos := dir.Scale(model.EarthRadiusKm + b.apogeeKm*arc)
	if b.maneuverKm != 0 {
		n := cross(b.from, b.to)
		if norm := n.Norm(); norm > 0 {
			pos = pos.Add(n.Scale(b.maneuverKm * arc * math.Sin(2*math.Pi*tau) / norm))
		}
	}
	return pos
}

// velocity is the central difference of position over one second.
func (b *ballistic) velocity(t float64) model.Vec3 {
	lo := math.Max(b.launchAt, t-0.5)
	hi := math.Min(b.impactAt(), t+0.5)
	if hi <= lo {
		return model.Vec3{}
	}
	return b.position(hi).Sub(b.position(lo)).Scale(1 / (hi - lo))
}

func (b *ballistic) trajectory(t float64, points int, stepS float64) []model.Vec3 {
	var out []model.Vec3
	for k := 1; k <= points; k++ {
		at := t + float64(k)*stepS
		if at > b.impactAt() {
			break
		}
		out = append(out, b.position(at))
	}
	return out
}

func (b *ballistic) observe(t float64, points int, stepS float64) model.MissileObservation {
	return model.MissileObservation{
		ID:            b.id,
		Position:      b.position(t),
		Velocity:      b.velocity(t),
		ThreatLevel:   b.threat,
		TimeToImpactS: b.impactAt() - t,
		Trajectory:    b.trajectory(t, points, stepS),
		Neutralized:   b.neutralized,
	}
}

// raid samples the missiles of a scenario from its seed.
func raid(cfg model.ScenarioConfig, wc WalkerConfig) []*ballistic {
	r := rand.New(rand.NewSource(cfg.Seed))

	sites := 1
	switch p := cfg.Threat; {
	case p.Multiple != nil:
		sites = max(p.Multiple.LaunchSites, 1)
	case p.Saturation != nil:
		sites = 1 + r.Intn(3)
	case p.Adversarial != nil:
		sites = 2
	}
	launchSites := make([]model.Vec3, sites)
	for i := range launchSites {
		launchSites[i] = unitFromLatLon(uniform(r, -45, 45), uniform(r, -180, 180))
	}

	rangeKm := uniform(r, wc.MinRangeKm, wc.MaxRangeKm)
	target := destination(launchSites[0], uniform(r, 0, 360), rangeKm/model.EarthRadiusKm)

	out := make([]*ballistic, cfg.MissileCount)
	for j := range out {
		from := launchSites[j%sites]
		to := destination(target, uniform(r, 0, 360), uniform(r, 0, wc.DispersionKm)/model.EarthRadiusKm)
		distKm := math.Acos(math.Max(-1, math.Min(1, from.Dot(to)))) * model.EarthRadiusKm

		launchAt := cfg.LaunchWindow.Min
		if j < len(cfg.LaunchOffsets) {
			launchAt = cfg.LaunchOffsets[j]
		}
		b := &ballistic{
			id:       missileID(j),
			from:     from,
			to:       to,
			launchAt: launchAt,
			flightS:  300 + distKm/wc.GroundSpeedKms,
			apogeeKm: math.Max(100, math.Min(wc.MaxApogeeKm, distKm/4)),
			threat:   threatFor(r, cfg.Threat),
		}
		if a := cfg.Threat.Adversarial; a != nil && b.threat != model.ThreatLow && r.Float64() < a.ManeuverProbability {
			b.maneuverKm = uniform(r, 20, 60)
		}
		out[j] = b
	}
	return out
}

func threatFor(r *rand.Rand, p model.ThreatProfile) model.ThreatLevel {
	switch {
	case p.Single != nil:
		if p.Single.ThreatLevel != model.ThreatUnknown {
			return p.Single.ThreatLevel
		}
		return model.ThreatHigh
	case p.Saturation != nil:
		return model.ThreatMedium + model.ThreatLevel(r.Intn(2))
	case p.Adversarial != nil:
		if r.Float64() < p.Adversarial.DecoyFraction {
			return model.ThreatLow
		}
		return model.ThreatHigh + model.ThreatLevel(r.Intn(2))
	default:
		return model.ThreatMedium + model.ThreatLevel(r.Intn(3))
	}
}

func uniform(r *rand.Rand, lo, hi float64) float64 { return lo + r.Float64()*(hi-lo) }

func unitFromLatLon(latDeg, lonDeg float64) model.Vec3 {
	lat, lon := latDeg*math.Pi/180, lonDeg*math.Pi/180
	return model.Vec3{X: math.Cos(lat) * math.Cos(lon), Y: math.Cos(lat) * math.Sin(lon), Z: math.Sin(lat)}
}

// destination moves the unit vector p by angle (radians) along bearing
// (degrees from north).
func destination(p model.Vec3, bearingDeg, angle float64) model.Vec3 {
	lat := math.Asin(math.Max(-1, math.Min(1, p.Z)))
	lon := math.Atan2(p.Y, p.X)
	brg := bearingDeg * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat)*math.Cos(angle) + math.Cos(lat)*math.Sin(angle)*math.Cos(brg))
	lon2 := lon + math.Atan2(math.Sin(brg)*math.Sin(angle)*math.Cos(lat), math.Cos(angle)-math.Sin(lat)*math.Sin(lat2))
	return unitFromLatLon(lat2*180/math.Pi, lon2*180/math.Pi)
}

func cross(a, b model.Vec3) model.Vec3 {
	return model.Vec3{X: a.Y*b.Z - a.Z*b.Y, Y: a.Z*b.X - a.X*b.Z, Z: a.X*b.Y - a.Y*b.X}
}
