package quality

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/signalsfoundry/constellation-rlhf/internal/encoder"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Salts keep the noise, orbit and launch streams of one copy independent.
const (
	saltNoise  int64 = 0x6e6f697365
	saltOrbit  int64 = 0x6f72626974
	saltLaunch int64 = 0x6c61756e63
)

// AugmentConfig controls synthetic episode generation. Sigmas are in
// normalized state units; jitters are half-widths of uniform perturbations.
type AugmentConfig struct {
	Seed int64 `json:"seed" yaml:"seed"`

	NoiseCopies   int     `json:"noise_copies" yaml:"noise_copies" validate:"gte=0"`
	PositionSigma float64 `json:"position_sigma" yaml:"position_sigma" validate:"gte=0"`
	VelocitySigma float64 `json:"velocity_sigma" yaml:"velocity_sigma" validate:"gte=0"`
	AttitudeSigma float64 `json:"attitude_sigma" yaml:"attitude_sigma" validate:"gte=0"`
	PowerSigma    float64 `json:"power_sigma" yaml:"power_sigma" validate:"gte=0"`

	ScenarioJitterCopies int     `json:"scenario_jitter_copies" yaml:"scenario_jitter_copies" validate:"gte=0"`
	AltitudeJitterKm     float64 `json:"altitude_jitter_km" yaml:"altitude_jitter_km" validate:"gte=0"`
	InclinationJitterDeg float64 `json:"inclination_jitter_deg" yaml:"inclination_jitter_deg" validate:"gte=0"`
	AngleJitterDeg       float64 `json:"angle_jitter_deg" yaml:"angle_jitter_deg" validate:"gte=0"`
	DensityJitter        float64 `json:"density_jitter" yaml:"density_jitter" validate:"gte=0,lt=1"`

	LaunchJitterCopies int     `json:"launch_jitter_copies" yaml:"launch_jitter_copies" validate:"gte=0"`
	LaunchJitterS      float64 `json:"launch_jitter_s" yaml:"launch_jitter_s" validate:"gte=0"`
}

// DefaultAugmentConfig disables every augmentation but carries usable
// magnitudes for when copies are requested.
func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{
		PositionSigma:        0.001,
		VelocitySigma:        0.005,
		AttitudeSigma:        0.01,
		PowerSigma:           0.02,
		AltitudeJitterKm:     50,
		InclinationJitterDeg: 2,
		AngleJitterDeg:       10,
		DensityJitter:        0.05,
		LaunchJitterS:        10,
	}
}

// Enabled reports whether any copies are requested.
func (c AugmentConfig) Enabled() bool {
	return c.NoiseCopies > 0 || c.ScenarioJitterCopies > 0 || c.LaunchJitterCopies > 0
}

// Validate rejects negative counts and magnitudes.
func (c AugmentConfig) Validate() error {
	for _, n := range []struct {
		field string
		v     int
	}{
		{"noise_copies", c.NoiseCopies},
		{"scenario_jitter_copies", c.ScenarioJitterCopies},
		{"launch_jitter_copies", c.LaunchJitterCopies},
	} {
		if n.v < 0 {
			return model.NewConfigurationError(n.field, "must not be negative, got %d", n.v)
		}
	}
	for _, f := range []struct {
		field string
		v     float64
	}{
		{"position_sigma", c.PositionSigma},
		{"velocity_sigma", c.VelocitySigma},
		{"attitude_sigma", c.AttitudeSigma},
		{"power_sigma", c.PowerSigma},
		{"altitude_jitter_km", c.AltitudeJitterKm},
		{"inclination_jitter_deg", c.InclinationJitterDeg},
		{"angle_jitter_deg", c.AngleJitterDeg},
		{"density_jitter", c.DensityJitter},
		{"launch_jitter_s", c.LaunchJitterS},
	} {
		if !(f.v >= 0) || math.IsInf(f.v, 0) {
			return model.NewConfigurationError(f.field, "must be finite and non-negative, got %g", f.v)
		}
	}
	if c.DensityJitter >= 1 {
		return model.NewConfigurationError("density_jitter", "must be below 1, got %g", c.DensityJitter)
	}
	return nil
}

// Augmenter derives synthetic episodes and scenarios. Every method works on
// a deep copy; inputs are never modified. Output depends only on the config
// seed, the source seed and the copy index.
type Augmenter struct {
	cfg AugmentConfig
}

// NewAugmenter validates cfg and returns an augmenter.
func NewAugmenter(cfg AugmentConfig) (*Augmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Augmenter{cfg: cfg}, nil
}

// Config returns the augmentation settings.
func (a *Augmenter) Config() AugmentConfig { return a.cfg }

func (a *Augmenter) rng(salt, seed int64, k int) *rand.Rand {
	s := a.cfg.Seed*1_000_003 ^ seed*7_919 ^ int64(k+1)*104_729 ^ salt
	return rand.New(rand.NewSource(s))
}

// NoisyEpisode returns a copy of ep with Gaussian noise added to the valid
// slots of every state. Consecutive points stay chained: the state of point
// i+1 equals the next state of point i.
func (a *Augmenter) NoisyEpisode(ep model.EpisodeRecord, k int) model.EpisodeRecord {
	out := ep.Clone()
	out.ID = fmt.Sprintf("%s-noise-%d", ep.ID, k)
	out.Augmentation = model.AugmentNoise
	out.SourceID = ep.ID
	if len(out.Points) == 0 {
		return out
	}

	r := a.rng(saltNoise, ep.Scenario.Seed, k)
	out.Points[0].State = a.noisyState(r, out.Points[0].State)
	for i := range out.Points {
		out.Points[i].NextState = a.noisyState(r, out.Points[i].NextState)
		if i+1 < len(out.Points) {
			out.Points[i+1].State = out.Points[i].NextState.Clone()
		}
	}
	return out
}

func (a *Augmenter) noisyState(r *rand.Rand, sv model.StateVector) model.StateVector {
	for i, s := range sv.Satellites {
		if !s.Valid {
			continue
		}
		s.Position = jitterVec(r, s.Position, a.cfg.PositionSigma)
		s.Velocity = jitterVec(r, s.Velocity, a.cfg.VelocitySigma)
		q := model.Quaternion{
			W: s.Attitude.W + r.NormFloat64()*a.cfg.AttitudeSigma,
			X: s.Attitude.X + r.NormFloat64()*a.cfg.AttitudeSigma,
			Y: s.Attitude.Y + r.NormFloat64()*a.cfg.AttitudeSigma,
			Z: s.Attitude.Z + r.NormFloat64()*a.cfg.AttitudeSigma,
		}
		s.Attitude, _ = q.Normalized()
		s.PowerLevel = clamp(s.PowerLevel+r.NormFloat64()*a.cfg.PowerSigma, 0, 1)
		sv.Satellites[i] = s
	}
	for j, m := range sv.Missiles {
		if !m.Valid {
			continue
		}
		m.Position = jitterVec(r, m.Position, a.cfg.PositionSigma)
		m.Velocity = jitterVec(r, m.Velocity, a.cfg.VelocitySigma)
		sv.Missiles[j] = m
	}
	sv.Values = encoder.Flatten(sv)
	return sv
}

// JitterScenario returns a copy of cfg with perturbed orbital and
// environment parameters and a derived seed.
func (a *Augmenter) JitterScenario(cfg model.ScenarioConfig, k int) model.ScenarioConfig {
	out := cfg.Clone()
	r := a.rng(saltOrbit, cfg.Seed, k)

	o := &out.Orbit
	o.AltitudeKm = math.Max(o.AltitudeKm+uniform(r, a.cfg.AltitudeJitterKm), 0)
	o.InclinationDeg = clamp(o.InclinationDeg+uniform(r, a.cfg.InclinationJitterDeg), 0, 180)
	o.ArgOfPerigeeDeg = wrapDeg(o.ArgOfPerigeeDeg + uniform(r, a.cfg.AngleJitterDeg))
	o.RAANOffsetDeg = wrapDeg(o.RAANOffsetDeg + uniform(r, a.cfg.AngleJitterDeg))
	o.MeanAnomalyOffsetDeg = wrapDeg(o.MeanAnomalyOffsetDeg + uniform(r, a.cfg.AngleJitterDeg))
	out.Environment.AtmosphericDensity *= 1 + uniform(r, a.cfg.DensityJitter)

	out.ID = fmt.Sprintf("%s-orbit-%d", cfg.ID, k)
	out.Seed = r.Int63()
	return out
}

// JitterLaunch returns a copy of cfg whose launch offsets are shifted by up
// to LaunchJitterS seconds and clamped to the launch window.
func (a *Augmenter) JitterLaunch(cfg model.ScenarioConfig, k int) model.ScenarioConfig {
	out := cfg.Clone()
	r := a.rng(saltLaunch, cfg.Seed, k)
	for i, off := range out.LaunchOffsets {
		out.LaunchOffsets[i] = clamp(off+uniform(r, a.cfg.LaunchJitterS), cfg.LaunchWindow.Min, cfg.LaunchWindow.Max)
	}
	out.ID = fmt.Sprintf("%s-launch-%d", cfg.ID, k)
	out.Seed = r.Int63()
	return out
}

func jitterVec(r *rand.Rand, v model.Vec3, sigma float64) model.Vec3 {
	return model.Vec3{
		X: v.X + r.NormFloat64()*sigma,
		Y: v.Y + r.NormFloat64()*sigma,
		Z: v.Z + r.NormFloat64()*sigma,
	}
}

func uniform(r *rand.Rand, half float64) float64 {
	return (2*r.Float64() - 1) * half
}

func wrapDeg(v float64) float64 {
	v = math.Mod(v, 360)
	if v < 0 {
		v += 360
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
