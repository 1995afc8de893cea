// Package episode records one episode at a time through its lifecycle:
// NOT_STARTED -> RUNNING -> {SUCCESS, FAILURE, TRUNCATED} -> CLOSED.
package episode

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/signalsfoundry/constellation-rlhf/internal/encoder"
	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/quality"
	"github.com/signalsfoundry/constellation-rlhf/internal/reward"
	"github.com/signalsfoundry/constellation-rlhf/internal/stats"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Lifecycle operation names reported in LifecycleError.
const (
	OpStart   = "start_episode"
	OpCollect = "collect_data_point"
	OpEnd     = "end_episode"
)

// Deps are the per-worker collaborators a recorder owns.
type Deps struct {
	Encoder *encoder.Encoder
	Reward  *reward.Calculator
	Quality *quality.Controller
	// Stats feeds in-episode outlier checks. Nil leaves outlier flagging to
	// a later pass over the whole dataset.
	Stats  *stats.FeatureStats
	Logger logging.Logger
	// NewID allocates episode ids. Defaults to "ep-" plus a random UUID.
	NewID func() string
}

// StartOption customizes StartEpisode.
type StartOption func(*startOptions)

type startOptions struct {
	snapshot *model.Snapshot
	state    *model.StateVector
}

// WithStartSnapshot encodes s as the state preceding the first data point.
func WithStartSnapshot(s model.Snapshot) StartOption {
	return func(o *startOptions) { o.snapshot = &s }
}

// WithStartState uses an already encoded start state.
func WithStartState(sv model.StateVector) StartOption {
	return func(o *startOptions) { o.state = &sv }
}

// Recorder builds EpisodeRecords. It is owned by one worker and is not safe
// for concurrent use.
type Recorder struct {
	enc     *encoder.Encoder
	calc    *reward.Calculator
	quality *quality.Controller
	stats   *stats.FeatureStats
	log     logging.Logger
	newID   func() string

	state   model.LifecycleState
	record  model.EpisodeRecord
	prev    model.StateVector
	hasPrev bool
}

// NewRecorder validates deps and returns an idle recorder.
func NewRecorder(d Deps) (*Recorder, error) {
	if d.Encoder == nil || d.Reward == nil || d.Quality == nil {
		return nil, errors.New("episode: encoder, reward calculator and quality controller are required")
	}
	if d.Logger == nil {
		d.Logger = logging.Noop()
	}
	if d.NewID == nil {
		d.NewID = func() string { return "ep-" + uuid.NewString() }
	}
	return &Recorder{
		enc:     d.Encoder,
		calc:    d.Reward,
		quality: d.Quality,
		stats:   d.Stats,
		log:     d.Logger,
		newID:   d.NewID,
		state:   model.LifecycleNotStarted,
	}, nil
}

// State returns the lifecycle state of the current episode.
func (r *Recorder) State() model.LifecycleState { return r.state }

// EpisodeID returns the id of the current or last episode.
func (r *Recorder) EpisodeID() string { return r.record.ID }

// Stats returns the running feature statistics the recorder feeds, or nil.
func (r *Recorder) Stats() *stats.FeatureStats { return r.stats }

// StartEpisode allocates a fresh id and moves to RUNNING. It fails with a
// LifecycleError while another episode is still running. A start state that
// fails the quality rules is discarded; the first data point then starts from
// its own next state.
func (r *Recorder) StartEpisode(ctx context.Context, cfg model.ScenarioConfig, opts ...StartOption) (string, error) {
	if r.state == model.LifecycleRunning {
		return "", &model.LifecycleError{Op: OpStart, State: r.state}
	}
	if err := cfg.Limits.Validate(); err != nil {
		return "", err
	}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.record = model.EpisodeRecord{
		ID:        r.newID(),
		Scenario:  cfg.Clone(),
		Lifecycle: model.LifecycleRunning,
	}
	r.prev, r.hasPrev = model.StateVector{}, false
	switch {
	case o.state != nil:
		r.prev, r.hasPrev = o.state.Clone(), true
	case o.snapshot != nil:
		r.prev, r.hasPrev = r.enc.Encode(*o.snapshot, cfg), true
	}
	if r.hasPrev {
		if failures := r.quality.CheckState(r.prev); len(failures) > 0 {
			r.log.Warn(ctx, "start state rejected",
				logging.String("episode_id", r.record.ID),
				logging.String("rule", failures[0].Rule),
				logging.String("field", failures[0].Field),
				logging.Int("failures", len(failures)),
			)
			r.prev, r.hasPrev = model.StateVector{}, false
		}
	}
	r.quality.ResetEpisode()
	r.state = model.LifecycleRunning

	r.log.Info(ctx, "episode started",
		logging.String("episode_id", r.record.ID),
		logging.String("scenario_id", cfg.ID),
		logging.String("scenario_type", string(cfg.Type)),
		logging.String("difficulty", string(cfg.Difficulty)),
	)
	return r.record.ID, nil
}

// CollectDataPoint turns snap and the action taken before it into a data
// point. It returns nil without error when the point fails validation and is
// dropped; the stored state then stays where it was.
func (r *Recorder) CollectDataPoint(ctx context.Context, snap model.Snapshot, action model.ActionSpec) (*model.DataPoint, error) {
	if r.state != model.LifecycleRunning {
		return nil, &model.LifecycleError{Op: OpCollect, State: r.state}
	}
	cfg := r.record.Scenario

	next := r.enc.Encode(snap, cfg)
	prev := r.prev
	if !r.hasPrev {
		prev = next
	}
	b := r.calc.Compute(prev, action, snap, cfg)
	dp := model.DataPoint{
		Timestamp:    snap.SimTime,
		State:        prev.Clone(),
		Action:       action.Clone(),
		ActionVector: encoder.EncodeAction(action, prev),
		Reward:       b.Total,
		Breakdown:    b,
		NextState:    next,
	}
	dp.Quality = r.quality.Check(ctx, dp, r.stats)

	if !dp.Quality.Valid() {
		r.record.Dropped++
		rules := make([]string, 0, len(dp.Quality.Failures))
		for _, f := range dp.Quality.Failures {
			rules = append(rules, f.Rule)
		}
		r.log.Warn(ctx, "data point dropped",
			logging.String("episode_id", r.record.ID),
			logging.Any("rules", rules),
			logging.Any("timestamp", dp.Timestamp),
		)
		return nil, nil
	}

	r.record.Anomalies += len(dp.Quality.Anomalies)
	r.record.Points = append(r.record.Points, dp)
	r.prev, r.hasPrev = next, true
	out := dp.Clone()
	return &out, nil
}

// EndEpisode finalizes the episode and returns a deep copy of the frozen
// record. An episode without retained points is always a FAILURE; a
// truncated episode is never a success.
func (r *Recorder) EndEpisode(ctx context.Context, success bool, reason model.EndReason) (model.EpisodeRecord, error) {
	if r.state != model.LifecycleRunning {
		return model.EpisodeRecord{}, &model.LifecycleError{Op: OpEnd, State: r.state}
	}

	var outcome model.LifecycleState
	switch reason {
	case model.EndTruncated:
		outcome = model.LifecycleTruncated
	case model.EndCompleted, model.EndFailed:
		outcome = model.LifecycleFailure
		if success && reason == model.EndCompleted {
			outcome = model.LifecycleSuccess
		}
	default:
		return model.EpisodeRecord{}, fmt.Errorf("%w: unknown end reason %q", model.ErrValidation, reason)
	}
	if len(r.record.Points) == 0 {
		outcome = model.LifecycleFailure
	}

	total := 0.0
	for i := range r.record.Points {
		total += r.record.Points[i].Reward
		r.record.Points[i].Done = false
	}
	if n := len(r.record.Points); n > 0 {
		r.record.Points[n-1].Done = true
	}
	r.record.TotalReward = total
	r.record.Success = outcome == model.LifecycleSuccess
	r.record.Outcome = outcome
	r.record.EndReason = reason
	r.record.Lifecycle = model.LifecycleClosed
	r.state = model.LifecycleClosed

	r.log.Info(ctx, "episode ended",
		logging.String("episode_id", r.record.ID),
		logging.String("scenario_type", string(r.record.Scenario.Type)),
		logging.String("outcome", string(outcome)),
		logging.String("reason", string(reason)),
		logging.Int("points", len(r.record.Points)),
		logging.Int("dropped", r.record.Dropped),
		logging.Float("total_reward", total),
	)
	return r.record.Clone(), nil
}
