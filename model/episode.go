package model

import "time"

// LifecycleState is the episode state machine:
// NOT_STARTED -> RUNNING -> {SUCCESS, FAILURE, TRUNCATED} -> CLOSED.
type LifecycleState string

const (
	LifecycleNotStarted LifecycleState = "NOT_STARTED"
	LifecycleRunning    LifecycleState = "RUNNING"
	LifecycleSuccess    LifecycleState = "SUCCESS"
	LifecycleFailure    LifecycleState = "FAILURE"
	LifecycleTruncated  LifecycleState = "TRUNCATED"
	LifecycleClosed     LifecycleState = "CLOSED"
)

// Terminal reports whether the state is one of the episode outcomes.
func (s LifecycleState) Terminal() bool {
	return s == LifecycleSuccess || s == LifecycleFailure || s == LifecycleTruncated
}

// EndReason explains why an episode ended.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndFailed    EndReason = "failed"
	EndTruncated EndReason = "truncated"
)

// QualityStatus is the verdict on a data point.
type QualityStatus string

const (
	QualityValid   QualityStatus = "VALID"
	QualityInvalid QualityStatus = "INVALID"
)

// AnomalyKind classifies a retained-but-flagged data point.
type AnomalyKind string

const (
	AnomalyStatisticalOutlier AnomalyKind = "statistical_outlier"
	AnomalyPhysicalConstraint AnomalyKind = "physical_constraint"
	AnomalyPositionJump       AnomalyKind = "position_jump"
	AnomalyTimeGap            AnomalyKind = "time_gap"
)

// RuleFailure is a validation rule that rejected a data point.
type RuleFailure struct {
	Rule  string  `json:"rule" yaml:"rule"`
	Field string  `json:"field" yaml:"field"`
	Value float64 `json:"value" yaml:"value"`
}

// Anomaly is a warning attached to a retained data point.
type Anomaly struct {
	Kind    AnomalyKind `json:"kind" yaml:"kind"`
	Feature string      `json:"feature" yaml:"feature"`
	Value   float64     `json:"value" yaml:"value"`
	// Score is the z-score for statistical outliers and the ratio to the
	// configured limit otherwise.
	Score float64 `json:"score" yaml:"score"`
}

// QualityReport is the set of validation and anomaly flags for a data point.
type QualityReport struct {
	Status    QualityStatus `json:"status" yaml:"status"`
	Failures  []RuleFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
	Anomalies []Anomaly     `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	Score     float64       `json:"score" yaml:"score"`
}

// Valid reports whether the point is retained.
func (q QualityReport) Valid() bool { return q.Status != QualityInvalid }

// HasAnomaly reports whether an anomaly of the given kind was flagged.
func (q QualityReport) HasAnomaly(kind AnomalyKind) bool {
	for _, a := range q.Anomalies {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// DataPoint is one (state, action, reward, next_state, done) transition.
// Timestamp is simulation time.
type DataPoint struct {
	Timestamp    time.Time       `json:"timestamp" yaml:"timestamp"`
	State        StateVector     `json:"state" yaml:"state"`
	Action       ActionSpec      `json:"action" yaml:"action"`
	ActionVector []float64       `json:"action_vector" yaml:"action_vector"`
	Reward       float64         `json:"reward" yaml:"reward"`
	Breakdown    RewardBreakdown `json:"reward_breakdown" yaml:"reward_breakdown"`
	NextState    StateVector     `json:"next_state" yaml:"next_state"`
	Done         bool            `json:"done" yaml:"done"`
	Quality      QualityReport   `json:"quality" yaml:"quality"`
}

// Clone returns a deep copy.
func (d DataPoint) Clone() DataPoint {
	out := d
	out.State = d.State.Clone()
	out.NextState = d.NextState.Clone()
	out.Action = d.Action.Clone()
	out.ActionVector = append([]float64(nil), d.ActionVector...)
	out.Quality.Failures = append([]RuleFailure(nil), d.Quality.Failures...)
	out.Quality.Anomalies = append([]Anomaly(nil), d.Quality.Anomalies...)
	return out
}

// Augmentation names the synthetic operation an episode was derived with.
type Augmentation string

const (
	AugmentNone           Augmentation = ""
	AugmentNoise          Augmentation = "noise"
	AugmentScenarioJitter Augmentation = "scenario_jitter"
	AugmentLaunchJitter   Augmentation = "launch_jitter"
)

// EpisodeRecord is one finished scenario run.
type EpisodeRecord struct {
	ID          string         `json:"episode_id" yaml:"episode_id"`
	Scenario    ScenarioConfig `json:"scenario_config" yaml:"scenario_config"`
	Points      []DataPoint    `json:"data_points" yaml:"data_points"`
	TotalReward float64        `json:"total_reward" yaml:"total_reward"`
	Success     bool           `json:"success" yaml:"success"`
	// Outcome is the terminal state the episode passed through before CLOSED.
	Outcome   LifecycleState `json:"outcome" yaml:"outcome"`
	Lifecycle LifecycleState `json:"lifecycle_state" yaml:"lifecycle_state"`
	EndReason EndReason      `json:"end_reason" yaml:"end_reason"`
	Dropped   int            `json:"dropped_points" yaml:"dropped_points"`
	Anomalies int            `json:"anomaly_count" yaml:"anomaly_count"`
	// Augmentation is empty for collected episodes.
	Augmentation Augmentation `json:"augmentation,omitempty" yaml:"augmentation,omitempty"`
	SourceID     string       `json:"source_episode_id,omitempty" yaml:"source_episode_id,omitempty"`
}

// Clone returns a deep copy.
func (e EpisodeRecord) Clone() EpisodeRecord {
	out := e
	out.Scenario = e.Scenario.Clone()
	out.Points = make([]DataPoint, len(e.Points))
	for i, p := range e.Points {
		out.Points[i] = p.Clone()
	}
	return out
}

// Len returns the number of retained points.
func (e EpisodeRecord) Len() int { return len(e.Points) }
