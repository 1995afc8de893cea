package simsource

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/model"
	"github.com/signalsfoundry/constellation-rlhf/timectrl"
)

const (
	earthMuKm3s2    = 398600.4418
	earthRotRadS    = 7.2921159e-5
	eclipsePower    = 0.7
	sunlitPower     = 1.0
	maxNoradCatalog = 99999
)

// WalkerConfig parameterizes the synthetic engine.
type WalkerConfig struct {
	// Epoch anchors scenario start times; only its year is used.
	Epoch         time.Time `json:"epoch" yaml:"epoch"`
	SensorRangeKm float64   `json:"sensor_range_km" yaml:"sensor_range_km" validate:"gt=0"`
	// NeutralizeAfterS is the assigned, in-view dwell that neutralizes a
	// missile.
	NeutralizeAfterS float64 `json:"neutralize_after_s" yaml:"neutralize_after_s" validate:"gt=0"`
	MinRangeKm       float64 `json:"min_range_km" yaml:"min_range_km" validate:"gt=0"`
	MaxRangeKm       float64 `json:"max_range_km" yaml:"max_range_km" validate:"gtfield=MinRangeKm"`
	DispersionKm     float64 `json:"dispersion_km" yaml:"dispersion_km" validate:"gte=0"`
	GroundSpeedKms   float64 `json:"ground_speed_kms" yaml:"ground_speed_kms" validate:"gt=0"`
	MaxApogeeKm      float64 `json:"max_apogee_km" yaml:"max_apogee_km" validate:"gt=0"`
	// PayloadFailureProb applies per satellite under high solar activity.
	PayloadFailureProb float64 `json:"payload_failure_prob" yaml:"payload_failure_prob" validate:"gte=0,lte=1"`
	TrajectoryPoints   int     `json:"trajectory_points" yaml:"trajectory_points" validate:"gte=0"`
	TrajectoryStepS    float64 `json:"trajectory_step_s" yaml:"trajectory_step_s" validate:"gt=0"`
}

// DefaultWalkerConfig returns a medium-range raid against a LEO sensor
// layer.
func DefaultWalkerConfig() WalkerConfig {
	return WalkerConfig{
		Epoch:              time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		SensorRangeKm:      5000,
		NeutralizeAfterS:   120,
		MinRangeKm:         2000,
		MaxRangeKm:         8000,
		DispersionKm:       150,
		GroundSpeedKms:     6,
		MaxApogeeKm:        1200,
		PayloadFailureProb: 0.05,
		TrajectoryPoints:   3,
		TrajectoryStepS:    60,
	}
}

// Validate rejects settings the engine cannot run with.
func (c WalkerConfig) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"sensor_range_km", c.SensorRangeKm},
		{"neutralize_after_s", c.NeutralizeAfterS},
		{"min_range_km", c.MinRangeKm},
		{"ground_speed_kms", c.GroundSpeedKms},
		{"max_apogee_km", c.MaxApogeeKm},
		{"trajectory_step_s", c.TrajectoryStepS},
	} {
		if !(f.v > 0) {
			return model.NewConfigurationError(f.name, "must be positive, got %g", f.v)
		}
	}
	if err := (model.Range{Min: c.MinRangeKm, Max: c.MaxRangeKm}).Validate("range_km"); err != nil {
		return err
	}
	if c.DispersionKm < 0 {
		return model.NewConfigurationError("dispersion_km", "must not be negative, got %g", c.DispersionKm)
	}
	if c.PayloadFailureProb < 0 || c.PayloadFailureProb > 1 {
		return model.NewConfigurationError("payload_failure_prob", "must lie in [0,1], got %g", c.PayloadFailureProb)
	}
	if c.TrajectoryPoints < 0 {
		return model.NewConfigurationError("trajectory_points", "must not be negative, got %d", c.TrajectoryPoints)
	}
	return nil
}

// WalkerEngine opens Walker sources: a Walker-delta constellation
// propagated with SGP4 from synthetic TLEs, observing a ballistic raid.
type WalkerEngine struct {
	cfg WalkerConfig
	log logging.Logger
}

// NewWalkerEngine validates cfg and returns an engine.
func NewWalkerEngine(cfg WalkerConfig, log logging.Logger) (*WalkerEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	return &WalkerEngine{cfg: cfg, log: log}, nil
}

// Open builds the scene for sc.
func (e *WalkerEngine) Open(ctx context.Context, sc model.ScenarioConfig) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sc.Constellation.Total() <= 0 {
		return nil, model.NewConfigurationError("constellation_shape", "needs at least one satellite")
	}
	if sc.Constellation.Total() > maxNoradCatalog {
		return nil, model.NewConfigurationError("constellation_shape", "%d satellites exceed the catalog number space", sc.Constellation.Total())
	}
	if !(sc.Time.DecisionIntervalS > 0) || !(sc.Time.DurationS > 0) {
		return nil, model.NewConfigurationError("time_constraints", "duration and decision interval must be positive")
	}
	if !(sc.Orbit.AltitudeKm > 0) {
		return nil, model.NewConfigurationError("orbital_parameters.altitude_km", "must be positive, got %g", sc.Orbit.AltitudeKm)
	}

	start := StartTime(e.cfg.Epoch, sc.Environment)
	tick := time.Duration(sc.Time.DecisionIntervalS * float64(time.Second))
	clock := timectrl.NewTimeController(start, tick, timectrl.Accelerated)

	w := &Walker{
		cfg:      e.cfg,
		scenario: sc.Clone(),
		clock:    clock,
		tick:     sc.Time.DecisionIntervalS,
		end:      clock.After(time.Duration(sc.Time.DurationS * float64(time.Second))),
		missiles: raid(sc, e.cfg),
		pointing: make(map[string]bool),
		assigned: make(map[string]bool),
	}
	w.satellites = constellation(sc, start, e.cfg.PayloadFailureProb)
	for _, m := range w.missiles {
		w.lastLaunch = math.Max(w.lastLaunch, m.launchAt)
	}
	clock.AddListener(w.onTick)

	e.log.Debug(ctx, "walker scene opened",
		logging.String("scenario_id", sc.ID),
		logging.Int("satellites", len(w.satellites)),
		logging.Int("missiles", len(w.missiles)),
		logging.Any("start", start),
	)
	return w, nil
}

// StartTime places a scenario in the epoch year by season and time of day.
func StartTime(epoch time.Time, env model.EnvironmentParameters) time.Time {
	if epoch.IsZero() {
		epoch = DefaultWalkerConfig().Epoch
	}
	day := map[string]int{"spring": 79, "summer": 172, "autumn": 265, "winter": 355}[env.Season]
	hour := map[string]int{"dawn": 6, "day": 12, "dusk": 18, "night": 0}[env.TimeOfDay]
	return time.Date(epoch.Year(), 1, 1, hour, 0, 0, 0, time.UTC).AddDate(0, 0, day)
}

type orbiter struct {
	id        string
	sat       satellite.Satellite
	payloadOK bool
}

func satelliteID(plane, slot int) string { return fmt.Sprintf("sat-p%02d-s%02d", plane, slot) }

// constellation lays out a Walker-delta shell (phasing factor 1) around the
// scenario's reference orbit.
func constellation(sc model.ScenarioConfig, epoch time.Time, failureProb float64) []orbiter {
	r := rand.New(rand.NewSource(sc.Seed ^ 0x5a7e11))
	planes, per := sc.Constellation.Planes, sc.Constellation.SatellitesPerPlane
	total := planes * per
	meanMotion := revsPerDay(sc.Orbit.AltitudeKm)

	out := make([]orbiter, 0, total)
	for p := 0; p < planes; p++ {
		raan := wrap360(sc.Orbit.RAANOffsetDeg + 360*float64(p)/float64(planes))
		for s := 0; s < per; s++ {
			ma := wrap360(sc.Orbit.MeanAnomalyOffsetDeg + 360*float64(s)/float64(per) + 360*float64(p)/float64(total))
			num := len(out) + 1
			l1, l2 := syntheticTLE(num, epoch, sc.Orbit.InclinationDeg, raan, sc.Orbit.Eccentricity, sc.Orbit.ArgOfPerigeeDeg, ma, meanMotion)
			ok := true
			if sc.Environment.SolarActivity == "high" && r.Float64() < failureProb {
				ok = false
			}
			out = append(out, orbiter{
				id:        satelliteID(p, s),
				sat:       satellite.TLEToSat(l1, l2, satellite.GravityWGS72),
				payloadOK: ok,
			})
		}
	}
	return out
}

// revsPerDay is the Keplerian mean motion of a circular orbit at altitude.
func revsPerDay(altitudeKm float64) float64 {
	a := model.EarthRadiusKm + altitudeKm
	return math.Sqrt(earthMuKm3s2/(a*a*a)) * 86400 / (2 * math.Pi)
}

// syntheticTLE formats orbital elements as a two-line element set with
// zero drag terms.
func syntheticTLE(num int, epoch time.Time, incl, raan, ecc, argp, ma, meanMotion float64) (string, string) {
	e := epoch.UTC()
	dayFrac := float64(e.YearDay()) + (float64(e.Hour())*3600+float64(e.Minute())*60+float64(e.Second()))/86400
	eccDigits := int(math.Round(math.Max(0, math.Min(ecc, 0.9999999)) * 1e7))

	l1 := fmt.Sprintf("1 %05dU %-8s %02d%012.8f %10s %8s %8s 0 %4d",
		num, "25001A", e.Year()%100, dayFrac, " .00000000", " 00000-0", " 00000-0", 1)
	l2 := fmt.Sprintf("2 %05d %8.4f %8.4f %07d %8.4f %8.4f %11.8f%5d",
		num, incl, wrap360(raan), eccDigits, wrap360(argp), wrap360(ma), meanMotion, 0)
	return l1 + tleChecksum(l1), l2 + tleChecksum(l2)
}

func tleChecksum(line string) string {
	sum := 0
	for _, c := range line {
		switch {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return fmt.Sprint(sum % 10)
}

func wrap360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Walker is one running scenario of the synthetic engine. It is owned by a
// single collection worker and is not safe for concurrent use.
type Walker struct {
	cfg      WalkerConfig
	scenario model.ScenarioConfig
	clock    *timectrl.TimeController
	tick     float64
	end      <-chan time.Time
	ended    bool

	satellites []orbiter
	missiles   []*ballistic
	lastLaunch float64

	// Ids touched by the last applied action.
	pointing map[string]bool
	assigned map[string]bool
}

// Clock exposes the simulation clock driving the scene.
func (w *Walker) Clock() timectrl.SimClock { return w.clock }

func (w *Walker) elapsed() float64 { return w.clock.Elapsed().Seconds() }

// Snapshot propagates the scene to the current simulation time.
func (w *Walker) Snapshot(ctx context.Context) (model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, err
	}
	now := w.clock.Now()
	t := w.elapsed()
	sun := sunDirection(now)

	snap := model.Snapshot{SimTime: now}
	eclipsed := 0
	for _, o := range w.satellites {
		pos, vel, err := propagate(o.sat, now)
		if err != nil {
			return model.Snapshot{}, fmt.Errorf("propagate %s: %w", o.id, err)
		}
		power := sunlitPower
		if inShadow(pos, sun) {
			power = eclipsePower
			eclipsed++
		}
		mode := model.PointingScanning
		priority := 0.0
		if w.pointing[o.id] {
			mode, priority = model.PointingTracking, 1
		}
		snap.Satellites = append(snap.Satellites, model.SatelliteObservation{
			ID:         o.id,
			Position:   pos,
			Velocity:   vel,
			Attitude:   model.IdentityQuaternion,
			PowerLevel: power,
			Payload:    model.PayloadStatus{Operational: o.payloadOK, Mode: mode},
			Priority:   priority,
		})
	}
	snap.InShadow = 2*eclipsed > len(w.satellites)

	neutralized := 0
	for _, m := range w.missiles {
		if m.neutralized {
			neutralized++
		}
		if !m.inFlight(t) {
			continue
		}
		snap.Missiles = append(snap.Missiles, m.observe(t, w.cfg.TrajectoryPoints, w.cfg.TrajectoryStepS))
	}
	if len(w.missiles) > 0 {
		snap.MissionProgress = float64(neutralized) / float64(len(w.missiles))
	}

	snap.Visibility = make([][]bool, len(snap.Satellites))
	for i, s := range snap.Satellites {
		snap.Visibility[i] = make([]bool, len(snap.Missiles))
		if !s.Payload.Operational {
			continue
		}
		for j, m := range snap.Missiles {
			snap.Visibility[i][j] = s.Position.DistanceTo(m.Position) <= w.cfg.SensorRangeKm &&
				model.HasLineOfSight(s.Position, m.Position)
		}
	}
	return snap, nil
}

// Apply records which satellites track which missiles until the next tick.
func (w *Walker) Apply(ctx context.Context, action model.ActionSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clear(w.pointing)
	clear(w.assigned)
	for id, ctl := range action.Satellites {
		if ctl.PointingMode == model.PointingTracking && ctl.PointingTarget != "" {
			w.pointing[id] = true
			w.assigned[ctl.PointingTarget] = true
		}
	}
	for _, as := range action.Mission.Assignments {
		w.pointing[as.SatelliteID] = true
		w.assigned[as.TargetID] = true
	}
	return nil
}

// Advance credits tracking dwell for the tick and steps the clock.
func (w *Walker) Advance(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.Terminated() {
		return ErrTerminated
	}
	snap, err := w.Snapshot(ctx)
	if err != nil {
		return err
	}
	for j, obs := range snap.Missiles {
		m := w.missileByID(obs.ID)
		if m == nil || m.neutralized || !w.assigned[m.id] {
			continue
		}
		for i := range snap.Satellites {
			if w.pointing[snap.Satellites[i].ID] && snap.Visible(i, j) {
				m.dwellS += w.tick
				break
			}
		}
		if m.dwellS >= w.cfg.NeutralizeAfterS {
			m.neutralized = true
		}
	}
	w.clock.Step()
	return nil
}

func (w *Walker) onTick(time.Time) {
	select {
	case <-w.end:
		w.ended = true
	default:
	}
}

// Terminated reports whether the scenario duration has elapsed or every
// missile has been launched and resolved.
func (w *Walker) Terminated() bool {
	if w.ended {
		return true
	}
	t := w.elapsed()
	if t < w.lastLaunch {
		return false
	}
	for _, m := range w.missiles {
		if !m.neutralized && t < m.impactAt() {
			return false
		}
	}
	return true
}

func (w *Walker) missileByID(id string) *ballistic {
	for _, m := range w.missiles {
		if m.id == id {
			return m
		}
	}
	return nil
}

// propagate returns the ECEF position (km) and velocity (km/s) at t.
func propagate(sat satellite.Satellite, t time.Time) (model.Vec3, model.Vec3, error) {
	t = t.UTC()
	year, month, day := t.Date()
	hour, minute, second := t.Clock()

	posECI, velECI := satellite.Propagate(sat, year, int(month), day, hour, minute, second)
	gmst := satellite.ThetaG_JD(satellite.JDay(year, int(month), day, hour, minute, second))
	p := satellite.ECIToECEF(posECI, gmst)
	v := satellite.ECIToECEF(velECI, gmst)

	pos := model.Vec3{X: p.X, Y: p.Y, Z: p.Z}
	// Remove the frame rotation: v_ecef = R v_eci - w x r_ecef.
	vel := model.Vec3{X: v.X + earthRotRadS*pos.Y, Y: v.Y - earthRotRadS*pos.X, Z: v.Z}
	if !pos.Finite() || !vel.Finite() || pos.Norm() < model.EarthRadiusKm {
		return model.Vec3{}, model.Vec3{}, fmt.Errorf("sgp4 produced an invalid state at %s", t.Format(time.RFC3339))
	}
	return pos, vel, nil
}

// sunDirection approximates the ECEF unit vector to the Sun from the
// subsolar point.
func sunDirection(t time.Time) model.Vec3 {
	t = t.UTC()
	hours := float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
	lon := -15 * (hours - 12)
	decl := 23.44 * math.Sin(2*math.Pi*float64(t.YearDay()-81)/365)
	return unitFromLatLon(decl, lon)
}

// inShadow applies a cylindrical Earth shadow model.
func inShadow(pos, sun model.Vec3) bool {
	along := pos.Dot(sun)
	if along >= 0 {
		return false
	}
	return pos.Sub(sun.Scale(along)).Norm() < model.EarthRadiusKm
}
