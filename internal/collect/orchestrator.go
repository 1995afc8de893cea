// Package collect drives scenario pipelines against a simulation engine and
// a policy, and gathers the finished episodes into a dataset.
package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/constellation-rlhf/internal/encoder"
	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/policy"
	"github.com/signalsfoundry/constellation-rlhf/internal/quality"
	"github.com/signalsfoundry/constellation-rlhf/internal/reward"
	"github.com/signalsfoundry/constellation-rlhf/internal/scenario"
	"github.com/signalsfoundry/constellation-rlhf/internal/simsource"
	"github.com/signalsfoundry/constellation-rlhf/internal/sink"
	"github.com/signalsfoundry/constellation-rlhf/internal/stats"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

const tracerName = "github.com/signalsfoundry/constellation-rlhf/internal/collect"

// Collaborator call names reported in TimeoutError and timeout metrics.
const (
	CallOpen         = "open"
	CallSnapshot     = "snapshot"
	CallAdvance      = "advance"
	CallApply        = "apply"
	CallSelectAction = "select_action"
)

var episodeNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("constellation-rlhf/episode"))

// MetricsRecorder receives collection metrics. observability.CollectionCollector
// implements it.
type MetricsRecorder interface {
	ObserveEpisode(rec model.EpisodeRecord)
	ObserveTimeout(call string)
	WorkerStarted()
	WorkerStopped()
}

// OutlierRecorder is implemented by metrics sinks that also count the
// statistical outliers flagged when a run's dataset is assembled.
type OutlierRecorder interface {
	ObserveOutliers(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEpisode(model.EpisodeRecord) {}
func (noopMetrics) ObserveTimeout(string)              {}
func (noopMetrics) WorkerStarted()                     {}
func (noopMetrics) WorkerStopped()                     {}

// Deps are the collaborators and component settings of an orchestrator.
// Engine and Policy are shared by every worker and must be safe for
// concurrent use; every other component is built per worker.
type Deps struct {
	Engine  simsource.Engine
	Policy  policy.Policy
	Bounds  encoder.Bounds
	Reward  reward.Config
	Quality quality.Config
	Augment quality.AugmentConfig
	Logger  logging.Logger
	Metrics MetricsRecorder
	// Now stamps datasets. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs scenario pipelines on a bounded worker pool.
type Orchestrator struct {
	cfg       Config
	deps      Deps
	augmenter *quality.Augmenter
	screen    *quality.Controller
}

// NewOrchestrator validates cfg and the component settings in d.
func NewOrchestrator(cfg Config, d Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Engine == nil || d.Policy == nil {
		return nil, errors.New("collect: engine and policy are required")
	}
	if d.Logger == nil {
		d.Logger = logging.Noop()
	}
	if d.Metrics == nil {
		d.Metrics = noopMetrics{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.Quality.Bounds = d.Bounds

	if err := d.Bounds.Validate(); err != nil {
		return nil, err
	}
	if err := d.Reward.Validate(); err != nil {
		return nil, err
	}
	if err := d.Quality.Validate(); err != nil {
		return nil, err
	}
	aug, err := quality.NewAugmenter(d.Augment)
	if err != nil {
		return nil, err
	}
	screen, err := quality.NewController(d.Quality, d.Logger)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, deps: d, augmenter: aug, screen: screen}, nil
}

// Config returns the orchestrator settings.
func (o *Orchestrator) Config() Config { return o.cfg }

// Training collects n freshly generated training scenarios.
func (o *Orchestrator) Training(ctx context.Context, gen *scenario.Generator, n int) (model.Dataset, error) {
	scenarios, err := gen.Training(n)
	if err != nil {
		return model.Dataset{}, err
	}
	return o.Collect(ctx, model.ModeTraining, gen.Config().Seed, scenarios)
}

// Evaluation collects the fixed evaluation set of size n.
func (o *Orchestrator) Evaluation(ctx context.Context, gen *scenario.Generator, n int) (model.Dataset, error) {
	scenarios, err := gen.Evaluation(n)
	if err != nil {
		return model.Dataset{}, err
	}
	return o.Collect(ctx, model.ModeEvaluation, gen.Config().Seed, scenarios)
}

// Collect runs every scenario in a fresh Run and returns its dataset. The
// dataset is returned even when err is non-nil: cancelled runs carry their
// truncated episodes and failed workers leave their siblings' work intact.
func (o *Orchestrator) Collect(ctx context.Context, mode model.CollectionMode, seed int64, scenarios []model.ScenarioConfig) (model.Dataset, error) {
	ctx, run := o.NewRun(ctx, mode, seed)
	defer run.Close()
	err := run.Collect(ctx, scenarios)
	ds, outliers := run.dataset()
	if m, ok := o.deps.Metrics.(OutlierRecorder); ok {
		m.ObserveOutliers(outliers)
	}
	return ds, err
}

// Run is the state of one collection run: its id, its episode sink and the
// subscriptions feeding metrics. It is created by NewRun and released by
// Close.
type Run struct {
	ID      string
	Mode    model.CollectionMode
	Seed    int64
	Started time.Time

	o     *Orchestrator
	store *sink.Store
	log   logging.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewRun starts a run. The returned context carries the run id for logging.
func (o *Orchestrator) NewRun(ctx context.Context, mode model.CollectionMode, seed int64) (context.Context, *Run) {
	ctx, id := logging.EnsureRunID(ctx)
	r := &Run{
		ID:      id,
		Mode:    mode,
		Seed:    seed,
		Started: o.deps.Now(),
		o:       o,
		store:   sink.NewStore(),
		log:     o.deps.Logger,
	}
	metrics := o.deps.Metrics
	r.unsubscribe = r.store.Subscribe(func(e sink.Event) {
		metrics.ObserveEpisode(e.Episode)
	})
	r.log.Info(ctx, "collection run started",
		logging.String("mode", string(mode)),
		logging.Any("seed", seed),
	)
	return ctx, r
}

// Store returns the run's episode sink.
func (r *Run) Store() *sink.Store { return r.store }

// Dataset assembles the episodes collected so far. Statistical outliers are
// flagged here, in dataset order, so every point is judged against running
// statistics over all the points before it regardless of which worker
// collected what.
func (r *Run) Dataset() model.Dataset {
	ds, _ := r.dataset()
	return ds
}

func (r *Run) dataset() (model.Dataset, int) {
	episodes := r.store.Episodes()
	n := r.o.screen.FlagOutliers(episodes, stats.NewFeatureStats())
	return model.NewDataset(r.Mode, r.Seed, r.o.deps.Now(), episodes), n
}

// Close detaches the run's subscriptions. It is safe to call twice.
func (r *Run) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

// job is one pipeline: a scenario and its place in the dataset.
type job struct {
	key          sink.Key
	scenario     model.ScenarioConfig
	augmentation model.Augmentation
	episodeID    string
}

func newJob(key sink.Key, sc model.ScenarioConfig, aug model.Augmentation) job {
	name := fmt.Sprintf("%s/%d/%d", sc.ID, key.Scenario, key.Variant)
	return job{
		key:          key,
		scenario:     sc,
		augmentation: aug,
		episodeID:    "ep-" + uuid.NewSHA1(episodeNamespace, []byte(name)).String(),
	}
}

// jobs expands scenarios with their jittered copies. Variant 0 is the
// collected episode, variants 1..N its noise copies, followed by scenario
// jitter and launch jitter copies.
func (r *Run) jobs(scenarios []model.ScenarioConfig) []job {
	cfg := r.o.augmenter.Config()
	aug := r.o.augmenter
	out := make([]job, 0, len(scenarios)*(1+cfg.ScenarioJitterCopies+cfg.LaunchJitterCopies))
	for i, sc := range scenarios {
		out = append(out, newJob(sink.Key{Scenario: i}, sc, model.AugmentNone))
		variant := 1 + cfg.NoiseCopies
		for k := 0; k < cfg.ScenarioJitterCopies; k++ {
			out = append(out, newJob(sink.Key{Scenario: i, Variant: variant}, aug.JitterScenario(sc, k), model.AugmentScenarioJitter))
			variant++
		}
		for k := 0; k < cfg.LaunchJitterCopies; k++ {
			out = append(out, newJob(sink.Key{Scenario: i, Variant: variant}, aug.JitterLaunch(sc, k), model.AugmentLaunchJitter))
			variant++
		}
	}
	return out
}

// Collect runs scenarios to completion on the worker pool. Cancelling ctx
// truncates the episodes in flight, appends them, and stops the workers. A
// worker that hits a LifecycleError stops on its own; the others carry on
// and its error is joined into the result.
func (r *Run) Collect(ctx context.Context, scenarios []model.ScenarioConfig) error {
	jobs := r.jobs(scenarios)
	queue := make(chan job, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	workers := min(r.o.cfg.Workers, len(jobs))
	var (
		mu   sync.Mutex
		errs []error
	)
	pool := make([]*worker, workers)
	for i := range pool {
		w, err := r.newWorker(i)
		if err != nil {
			return err
		}
		pool[i] = w
	}

	var g errgroup.Group
	for _, w := range pool {
		g.Go(func() error {
			if err := w.loop(ctx, queue); err != nil {
				r.log.Error(ctx, "collection worker stopped", logging.Int("worker", w.id), logging.Err(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %d: %w", w.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	r.log.Info(ctx, "collection run finished",
		logging.Int("scenarios", len(scenarios)),
		logging.Int("episodes", r.store.Len()),
		logging.Int("workers", workers),
		logging.Duration("elapsed", r.o.deps.Now().Sub(r.Started)),
	)
	return errors.Join(errs...)
}
