package collect

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/constellation-rlhf/internal/encoder"
	"github.com/signalsfoundry/constellation-rlhf/internal/episode"
	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/quality"
	"github.com/signalsfoundry/constellation-rlhf/internal/reward"
	"github.com/signalsfoundry/constellation-rlhf/internal/simsource"
	"github.com/signalsfoundry/constellation-rlhf/internal/sink"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

// worker owns the components of one pipeline. Nothing in it is shared with
// other workers.
type worker struct {
	id  int
	run *Run
	cfg Config
	log logging.Logger

	enc     *encoder.Encoder
	calc    *reward.Calculator
	quality *quality.Controller
	aug     *quality.Augmenter
}

func (r *Run) newWorker(id int) (*worker, error) {
	d := r.o.deps
	log := d.Logger.With(logging.Int("worker", id))
	enc, err := encoder.New(d.Bounds)
	if err != nil {
		return nil, err
	}
	calc, err := reward.NewCalculator(d.Reward)
	if err != nil {
		return nil, err
	}
	qc, err := quality.NewController(d.Quality, log)
	if err != nil {
		return nil, err
	}
	aug, err := quality.NewAugmenter(d.Augment)
	if err != nil {
		return nil, err
	}
	return &worker{
		id:      id,
		run:     r,
		cfg:     r.o.cfg,
		log:     log,
		enc:     enc,
		calc:    calc,
		quality: qc,
		aug:     aug,
	}, nil
}

func (w *worker) metrics() MetricsRecorder { return w.run.o.deps.Metrics }

// loop takes jobs until the queue drains or ctx is cancelled. Only a
// LifecycleError or a sink failure stops it early.
func (w *worker) loop(ctx context.Context, queue <-chan job) error {
	w.metrics().WorkerStarted()
	defer w.metrics().WorkerStopped()

	for {
		if ctx.Err() != nil {
			return nil
		}
		j, ok := <-queue
		if !ok {
			return nil
		}
		if err := w.process(ctx, j); err != nil {
			return err
		}
	}
}

func (w *worker) process(ctx context.Context, j job) error {
	rec, err := w.episode(ctx, j)
	if err != nil || rec == nil {
		return err
	}
	rec.Augmentation = j.augmentation
	store := w.run.store
	if err := store.Append(j.key, *rec); err != nil {
		return fmt.Errorf("append episode %s: %w", rec.ID, err)
	}
	if j.augmentation != model.AugmentNone || ctx.Err() != nil {
		return nil
	}
	for k := 0; k < w.aug.Config().NoiseCopies; k++ {
		noisy := w.aug.NoisyEpisode(*rec, k)
		if err := store.Append(sink.Key{Scenario: j.key.Scenario, Variant: 1 + k}, noisy); err != nil {
			return fmt.Errorf("append episode %s: %w", noisy.ID, err)
		}
	}
	return nil
}

// episode runs one scenario to its end. It returns nil without error when
// the scenario could not start at all.
func (w *worker) episode(ctx context.Context, j job) (*model.EpisodeRecord, error) {
	sc := j.scenario
	ctx, span := otel.Tracer(tracerName).Start(ctx, "collect.episode", trace.WithAttributes(
		attribute.String("scenario.id", sc.ID),
		attribute.String("scenario.type", string(sc.Type)),
		attribute.String("scenario.difficulty", string(sc.Difficulty)),
		attribute.Int("collect.scenario_index", j.key.Scenario),
		attribute.Int("collect.variant", j.key.Variant),
		attribute.Int("collect.worker", w.id),
	))
	defer span.End()

	log := w.log.With(logging.String("scenario_id", sc.ID))
	// Outliers are flagged once the dataset is assembled, against
	// statistics over every episode before this one.
	rec, err := episode.NewRecorder(episode.Deps{
		Encoder: w.enc,
		Reward:  w.calc,
		Quality: w.quality,
		Logger:  log,
		NewID:   func() string { return j.episodeID },
	})
	if err != nil {
		return nil, err
	}

	src, err := within(ctx, w, CallOpen, func(ctx context.Context) (simsource.Source, error) {
		return w.run.o.deps.Engine.Open(ctx, sc)
	})
	var snap model.Snapshot
	if err == nil {
		snap, err = w.snapshot(ctx, src)
	}
	var opts []episode.StartOption
	if err == nil {
		opts = append(opts, episode.WithStartSnapshot(snap))
	}
	if _, startErr := rec.StartEpisode(ctx, sc, opts...); startErr != nil {
		if errors.Is(startErr, model.ErrLifecycle) {
			return nil, startErr
		}
		log.Warn(ctx, "scenario skipped", logging.Err(startErr))
		span.RecordError(startErr)
		return nil, nil
	}
	if err != nil {
		return w.end(ctx, span, rec, false, reasonFor(ctx, err), err)
	}

	state := w.enc.Encode(snap, sc)
	reason := model.EndCompleted
	var cause error
	coverage, points := 0.0, 0
	for step := 0; ; step++ {
		if src.Terminated() {
			break
		}
		if step >= w.cfg.MaxSteps {
			reason = model.EndTruncated
			break
		}

		action, err := w.selectAction(ctx, state)
		invalid := false
		if err == nil {
			if verr := action.Validate(); verr != nil {
				// The engine never sees the action; its point is dropped by
				// the quality rules and the episode goes on.
				invalid = true
				log.Warn(ctx, "policy action rejected", logging.Int("step", step), logging.Err(verr))
			}
		}
		if err == nil && !invalid {
			err = w.apply(ctx, src, action)
		}
		if err == nil {
			err = w.advance(ctx, src)
		}
		if errors.Is(err, simsource.ErrTerminated) {
			break
		}
		if err == nil {
			snap, err = w.snapshot(ctx, src)
		}
		if err != nil {
			reason, cause = reasonFor(ctx, err), err
			break
		}

		dp, err := rec.CollectDataPoint(ctx, snap, action)
		if err != nil {
			return nil, err
		}
		if dp == nil {
			continue
		}
		state = dp.NextState
		coverage += dp.Breakdown.Tracking.CoverageTimeRatio
		points++
	}

	success := reason == model.EndCompleted && points > 0 && coverage/float64(points) >= w.cfg.SuccessThreshold
	return w.end(ctx, span, rec, success, reason, cause)
}

// end closes the episode. It runs detached from cancellation so a cancelled
// run still flushes what it collected.
func (w *worker) end(ctx context.Context, span trace.Span, rec *episode.Recorder, success bool, reason model.EndReason, cause error) (*model.EpisodeRecord, error) {
	if cause != nil {
		span.RecordError(cause)
		w.log.Warn(ctx, "episode cut short",
			logging.String("episode_id", rec.EpisodeID()),
			logging.String("reason", string(reason)),
			logging.Err(cause),
		)
	}
	out, err := rec.EndEpisode(context.WithoutCancel(ctx), success, reason)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("episode.id", out.ID),
		attribute.String("episode.outcome", string(out.Outcome)),
		attribute.Int("episode.points", len(out.Points)),
		attribute.Float64("episode.total_reward", out.TotalReward),
	)
	return &out, nil
}

func (w *worker) snapshot(ctx context.Context, src simsource.Source) (model.Snapshot, error) {
	return within(ctx, w, CallSnapshot, src.Snapshot)
}

func (w *worker) advance(ctx context.Context, src simsource.Source) error {
	_, err := within(ctx, w, CallAdvance, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, src.Advance(ctx)
	})
	return err
}

func (w *worker) apply(ctx context.Context, src simsource.Source, action model.ActionSpec) error {
	applier, ok := src.(simsource.ActionApplier)
	if !ok {
		return nil
	}
	_, err := within(ctx, w, CallApply, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, applier.Apply(ctx, action)
	})
	return err
}

func (w *worker) selectAction(ctx context.Context, state model.StateVector) (model.ActionSpec, error) {
	action, err := within(ctx, w, CallSelectAction, func(ctx context.Context) (model.ActionSpec, error) {
		return w.run.o.deps.Policy.SelectAction(ctx, state.Clone())
	})
	if err != nil {
		return model.ActionSpec{}, err
	}
	return action, nil
}

// within runs fn under the per-call timeout. A call that outlives its
// deadline is abandoned and reported as a TimeoutError; cancellation of ctx
// itself is returned as ctx.Err().
func within[T any](ctx context.Context, w *worker, call string, fn func(context.Context) (T, error)) (T, error) {
	timeout := w.cfg.CallTimeout
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err == nil {
			return r.v, nil
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if errors.Is(r.err, context.DeadlineExceeded) {
			w.metrics().ObserveTimeout(call)
			return zero, &model.TimeoutError{Call: call, After: timeout}
		}
		return zero, r.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		w.metrics().ObserveTimeout(call)
		return zero, &model.TimeoutError{Call: call, After: timeout}
	}
}

// reasonFor maps a collaborator failure to an end reason: timeouts and
// cancellation truncate, anything else fails the episode.
func reasonFor(ctx context.Context, err error) model.EndReason {
	if ctx.Err() != nil || errors.Is(err, model.ErrTimeout) || errors.Is(err, context.Canceled) {
		return model.EndTruncated
	}
	return model.EndFailed
}
