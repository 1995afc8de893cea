// Package scenario samples reproducible scenario configurations.
package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

// namespace roots the deterministic scenario ids.
var namespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("constellation-rlhf/scenario"))

// evaluationSalt separates the evaluation stream from the training stream.
const evaluationSalt int64 = 0x6576616c

// Mission objectives.
const (
	ObjectiveTrackAllThreats        = "track_all_threats"
	ObjectiveMaintainCoverage       = "maintain_coverage"
	ObjectiveMinimizeResources      = "minimize_resource_usage"
	ObjectiveContinuousTracking     = "achieve_continuous_tracking"
	ObjectivePrioritizeThreats      = "prioritize_threats"
	ObjectiveCoordinateSatellites   = "coordinate_satellites"
	ObjectiveRapidAssessment        = "rapid_threat_assessment"
	ObjectiveEmergencyResponse      = "emergency_response"
	ObjectiveDiscriminateDecoys     = "discriminate_decoys"
	ObjectiveTrackManeuvers         = "track_maneuvering_targets"
	ObjectiveMinimizeFalseAlarms    = "minimize_false_alarms"
	ObjectiveMaintainLinks          = "maintain_communication_links"
	ObjectiveHandleSatelliteFailure = "handle_satellite_failures"
)

// Stats summarizes every scenario the generator has produced.
type Stats struct {
	Total        int                        `json:"total_scenarios"`
	Types        map[model.ScenarioType]int `json:"scenario_types"`
	Difficulties map[model.Difficulty]int   `json:"difficulty_distribution"`
	MissileMin   int                        `json:"missile_count_min"`
	MissileMax   int                        `json:"missile_count_max"`
	MissileMean  float64                    `json:"average_missile_count"`

	missileSum int
}

// Generator draws scenarios from a validated Config. Training draws share
// one seeded stream guarded by a mutex; evaluation sets are rebuilt from the
// seed on every call.
type Generator struct {
	cfg Config
	log logging.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	next  int
	stats Stats
}

// NewGenerator validates cfg and returns a generator seeded with cfg.Seed.
func NewGenerator(cfg Config, log logging.Logger) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Generator{
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		stats: Stats{
			Types:        map[model.ScenarioType]int{},
			Difficulties: map[model.Difficulty]int{},
		},
	}, nil
}

// Config returns the generator configuration.
func (g *Generator) Config() Config { return g.cfg }

// Training draws n independent scenarios. Successive calls continue the same
// stream, so types and difficulties may repeat.
func (g *Generator) Training(n int) ([]model.ScenarioConfig, error) {
	if n < 0 {
		return nil, model.NewConfigurationError("scenario_count", "must not be negative, got %d", n)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]model.ScenarioConfig, 0, n)
	for i := 0; i < n; i++ {
		t := pick(g.rng, model.ScenarioTypes, g.cfg.TypeDistribution)
		d := pick(g.rng, model.Difficulties, g.cfg.DifficultyDistribution)
		sc := g.sample(g.rng.Int63(), g.next, "training", t, d)
		g.next++
		g.record(sc)
		out = append(out, sc)
	}
	g.log.Info(context.Background(), "generated training scenarios",
		logging.Int("count", n),
		logging.Any("types", countTypes(out)),
	)
	return out, nil
}

// Evaluation returns a fixed, stratified set of n scenarios: every
// (type, difficulty) pair with non-zero probability in canonical order,
// repeated round-robin. The result depends only on the seed and n.
func (g *Generator) Evaluation(n int) ([]model.ScenarioConfig, error) {
	if n < 0 {
		return nil, model.NewConfigurationError("scenario_count", "must not be negative, got %d", n)
	}
	type pair struct {
		t model.ScenarioType
		d model.Difficulty
	}
	var pairs []pair
	for _, t := range model.ScenarioTypes {
		if g.cfg.TypeDistribution[t] <= 0 {
			continue
		}
		for _, d := range model.Difficulties {
			if g.cfg.DifficultyDistribution[d] > 0 {
				pairs = append(pairs, pair{t, d})
			}
		}
	}

	rng := rand.New(rand.NewSource(g.cfg.Seed ^ evaluationSalt))
	out := make([]model.ScenarioConfig, 0, n)
	for i := 0; i < n; i++ {
		p := pairs[i%len(pairs)]
		out = append(out, g.sample(rng.Int63(), i, "evaluation", p.t, p.d))
	}

	g.mu.Lock()
	for _, sc := range out {
		g.record(sc)
	}
	g.mu.Unlock()
	g.log.Info(context.Background(), "generated evaluation scenarios",
		logging.Int("count", n),
		logging.Int("strata", len(pairs)),
	)
	return out, nil
}

// Stats returns a snapshot of the generation statistics.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.Types = make(map[model.ScenarioType]int, len(g.stats.Types))
	for k, v := range g.stats.Types {
		s.Types[k] = v
	}
	s.Difficulties = make(map[model.Difficulty]int, len(g.stats.Difficulties))
	for k, v := range g.stats.Difficulties {
		s.Difficulties[k] = v
	}
	return s
}

func (g *Generator) record(sc model.ScenarioConfig) {
	s := &g.stats
	if s.Total == 0 || sc.MissileCount < s.MissileMin {
		s.MissileMin = sc.MissileCount
	}
	if sc.MissileCount > s.MissileMax {
		s.MissileMax = sc.MissileCount
	}
	s.Total++
	s.Types[sc.Type]++
	s.Difficulties[sc.Difficulty]++
	s.missileSum += sc.MissileCount
	s.MissileMean = float64(s.missileSum) / float64(s.Total)
}

// sample builds one scenario from its own seed, so any scenario can be
// regenerated from the seed it records.
func (g *Generator) sample(seed int64, index int, mode string, t model.ScenarioType, d model.Difficulty) model.ScenarioConfig {
	r := rand.New(rand.NewSource(seed))
	ranges := g.cfg.Types[t]

	missiles := intIn(r, band(ranges.Missiles, d, false))
	lo, hi := uniformIn(r, ranges.LaunchWindow), uniformIn(r, ranges.LaunchWindow)
	if lo > hi {
		lo, hi = hi, lo
	}
	window := model.Range{Min: lo, Max: hi}
	offsets := make([]float64, missiles)
	for i := range offsets {
		offsets[i] = uniformIn(r, window)
	}
	sort.Float64s(offsets)

	shape := model.ConstellationShape{
		Planes:             intIn(r, band(g.cfg.Planes, d, true)),
		SatellitesPerPlane: intIn(r, band(g.cfg.SatellitesPerPlane, d, true)),
	}
	orbit := model.OrbitalParameters{
		AltitudeKm:           uniformIn(r, g.cfg.AltitudeKm),
		InclinationDeg:       uniformIn(r, g.cfg.InclinationDeg),
		Eccentricity:         uniformIn(r, g.cfg.Eccentricity),
		ArgOfPerigeeDeg:      r.Float64() * 360,
		RAANOffsetDeg:        r.Float64() * 360,
		MeanAnomalyOffsetDeg: r.Float64() * 360,
	}
	env := model.EnvironmentParameters{
		TimeOfDay:          model.TimesOfDay[r.Intn(len(model.TimesOfDay))],
		Season:             model.Seasons[r.Intn(len(model.Seasons))],
		SolarActivity:      model.SolarActivityLevels[r.Intn(len(model.SolarActivityLevels))],
		AtmosphericDensity: uniformIn(r, g.cfg.AtmosphericDensity),
	}

	duration := math.Round(g.cfg.BaseDurationS * ranges.DurationFactor * g.cfg.DifficultyFactor[d])
	timing := model.TimeConstraints{
		DurationS:         duration,
		DecisionIntervalS: float64(intIn(r, g.cfg.DecisionIntervalS)),
		MaxResponseTimeS:  duration * g.cfg.ResponseFraction,
	}

	return model.ScenarioConfig{
		ID:            uuid.NewSHA1(namespace, []byte(mode+"/"+strconv.FormatInt(g.cfg.Seed, 10)+"/"+strconv.Itoa(index))).String(),
		Index:         index,
		Type:          t,
		Difficulty:    d,
		MissileCount:  missiles,
		LaunchWindow:  window,
		LaunchOffsets: offsets,
		Constellation: shape,
		Orbit:         orbit,
		Environment:   env,
		Threat:        threatProfile(r, t, d, missiles),
		Limits:        g.cfg.Limits,
		Time:          timing,
		Objectives:    Objectives(t, d),
		Seed:          seed,
	}
}

func threatProfile(r *rand.Rand, t model.ScenarioType, d model.Difficulty, missiles int) model.ThreatProfile {
	p := model.ThreatProfile{Type: t}
	switch t {
	case model.ScenarioSingleThreat:
		p.Single = &model.SingleThreat{ThreatLevel: model.ThreatLevel(1 + r.Intn(int(model.MaxThreatLevel)))}
	case model.ScenarioMultipleThreats:
		p.Multiple = &model.MultipleThreats{LaunchSites: 1 + r.Intn(min(missiles, 4))}
	case model.ScenarioSaturationAttack:
		p.Saturation = &model.SaturationAttack{Waves: 1 + r.Intn(min(missiles, 3))}
	case model.ScenarioAdversarial:
		p.Adversarial = &model.AdversarialThreats{
			DecoyFraction:       r.Float64() * 0.5,
			ManeuverProbability: map[model.Difficulty]float64{model.DifficultyEasy: 0.2, model.DifficultyMedium: 0.4, model.DifficultyHard: 0.6}[d],
		}
	}
	return p
}

// Objectives lists the mission objectives of a type and difficulty.
func Objectives(t model.ScenarioType, d model.Difficulty) []string {
	out := []string{ObjectiveTrackAllThreats, ObjectiveMaintainCoverage, ObjectiveMinimizeResources}
	switch t {
	case model.ScenarioSingleThreat:
		out = append(out, ObjectiveContinuousTracking)
	case model.ScenarioMultipleThreats:
		out = append(out, ObjectivePrioritizeThreats, ObjectiveCoordinateSatellites)
	case model.ScenarioSaturationAttack:
		out = append(out, ObjectiveRapidAssessment, ObjectiveEmergencyResponse)
	case model.ScenarioAdversarial:
		out = append(out, ObjectiveDiscriminateDecoys, ObjectiveTrackManeuvers)
	}
	if d == model.DifficultyHard {
		out = append(out, ObjectiveMinimizeFalseAlarms, ObjectiveMaintainLinks, ObjectiveHandleSatelliteFailure)
	}
	return out
}

// band narrows r to the part a difficulty draws from: easy the lower half,
// medium the middle half, hard the upper half. With inverse the halves swap,
// so harder scenarios get smaller constellations.
func band(r model.IntRange, d model.Difficulty, inverse bool) model.IntRange {
	lo, hi := 0.0, 1.0
	switch d {
	case model.DifficultyEasy:
		lo, hi = 0, 0.5
	case model.DifficultyMedium:
		lo, hi = 0.25, 0.75
	case model.DifficultyHard:
		lo, hi = 0.5, 1
	}
	if inverse {
		lo, hi = 1-hi, 1-lo
	}
	span := float64(r.Max - r.Min)
	return model.IntRange{
		Min: r.Min + int(math.Floor(lo*span)),
		Max: r.Min + int(math.Ceil(hi*span)),
	}
}

func intIn(r *rand.Rand, ir model.IntRange) int {
	return ir.Min + r.Intn(ir.Max-ir.Min+1)
}

func uniformIn(r *rand.Rand, fr model.Range) float64 {
	return fr.Min + r.Float64()*(fr.Max-fr.Min)
}

// pick draws a category in canonical order so the draw does not depend on
// map iteration.
func pick[K comparable](r *rand.Rand, order []K, dist map[K]float64) K {
	u := r.Float64()
	acc := 0.0
	var last K
	for _, k := range order {
		p := dist[k]
		if p <= 0 {
			continue
		}
		last = k
		acc += p
		if u < acc {
			return k
		}
	}
	return last
}

func countTypes(scs []model.ScenarioConfig) map[model.ScenarioType]int {
	out := map[model.ScenarioType]int{}
	for _, sc := range scs {
		out[sc.Type]++
	}
	return out
}

type scenarioFile struct {
	Scenarios []model.ScenarioConfig `json:"scenarios"`
}

// WriteScenarios encodes scenarios as indented JSON. The encoding is
// deterministic, so the same set always produces the same bytes.
func WriteScenarios(w io.Writer, scenarios []model.ScenarioConfig) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(scenarioFile{Scenarios: scenarios}); err != nil {
		return fmt.Errorf("WriteScenarios: encode failed: %w", err)
	}
	return nil
}

// ReadScenarios decodes a set written by WriteScenarios and validates every
// entry.
func ReadScenarios(r io.Reader) ([]model.ScenarioConfig, error) {
	var payload scenarioFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("ReadScenarios: decode failed: %w", err)
	}
	for i, sc := range payload.Scenarios {
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("ReadScenarios: scenario %d (%s): %w", i, sc.ID, err)
		}
	}
	return payload.Scenarios, nil
}
