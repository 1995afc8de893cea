package model

import "time"

// CollectionMode distinguishes independent training draws from the fixed
// evaluation set.
type CollectionMode string

const (
	ModeTraining   CollectionMode = "training"
	ModeEvaluation CollectionMode = "evaluation"
)

// DatasetMetadata aggregates counts over a dataset.
type DatasetMetadata struct {
	GeneratedAt    time.Time              `json:"generated_at" yaml:"generated_at"`
	Mode           CollectionMode         `json:"mode" yaml:"mode"`
	Seed           int64                  `json:"seed" yaml:"seed"`
	EpisodeCount   int                    `json:"episode_count" yaml:"episode_count"`
	DataPointCount int                    `json:"data_point_count" yaml:"data_point_count"`
	SuccessCount   int                    `json:"success_count" yaml:"success_count"`
	TruncatedCount int                    `json:"truncated_count" yaml:"truncated_count"`
	DroppedCount   int                    `json:"dropped_point_count" yaml:"dropped_point_count"`
	AnomalyCount   int                    `json:"anomaly_count" yaml:"anomaly_count"`
	AugmentedCount int                    `json:"augmented_episode_count" yaml:"augmented_episode_count"`
	SuccessRate    float64                `json:"success_rate" yaml:"success_rate"`
	AverageReward  float64                `json:"average_reward" yaml:"average_reward"`
	AverageLength  float64                `json:"average_length" yaml:"average_length"`
	ScenarioTypes  map[ScenarioType]int   `json:"scenario_type_distribution" yaml:"scenario_type_distribution"`
	Difficulties   map[Difficulty]int     `json:"difficulty_distribution" yaml:"difficulty_distribution"`
	Outcomes       map[LifecycleState]int `json:"outcome_distribution" yaml:"outcome_distribution"`
	StateDim       int                    `json:"state_dim" yaml:"state_dim"`
	ActionDim      int                    `json:"action_dim" yaml:"action_dim"`
}

// Dataset is an ordered list of episodes plus aggregate metadata.
type Dataset struct {
	Metadata DatasetMetadata `json:"metadata" yaml:"metadata"`
	Episodes []EpisodeRecord `json:"episodes" yaml:"episodes"`
}

// NewDataset builds a dataset and derives its metadata from the episodes.
func NewDataset(mode CollectionMode, seed int64, generatedAt time.Time, episodes []EpisodeRecord) Dataset {
	ds := Dataset{Episodes: episodes}
	ds.Metadata = Summarize(episodes)
	ds.Metadata.Mode = mode
	ds.Metadata.Seed = seed
	ds.Metadata.GeneratedAt = generatedAt.UTC()
	return ds
}

// Summarize computes counts and realized distributions over the episodes.
func Summarize(episodes []EpisodeRecord) DatasetMetadata {
	md := DatasetMetadata{
		EpisodeCount:  len(episodes),
		ScenarioTypes: make(map[ScenarioType]int),
		Difficulties:  make(map[Difficulty]int),
		Outcomes:      make(map[LifecycleState]int),
	}
	var rewardSum float64
	for _, ep := range episodes {
		md.DataPointCount += len(ep.Points)
		md.DroppedCount += ep.Dropped
		md.AnomalyCount += ep.Anomalies
		md.ScenarioTypes[ep.Scenario.Type]++
		md.Difficulties[ep.Scenario.Difficulty]++
		md.Outcomes[ep.Outcome]++
		rewardSum += ep.TotalReward
		if ep.Success {
			md.SuccessCount++
		}
		if ep.Outcome == LifecycleTruncated {
			md.TruncatedCount++
		}
		if ep.Augmentation != AugmentNone {
			md.AugmentedCount++
		}
		if md.StateDim == 0 && len(ep.Points) > 0 {
			md.StateDim = ep.Points[0].State.Dim()
			md.ActionDim = len(ep.Points[0].ActionVector)
		}
	}
	if n := len(episodes); n > 0 {
		md.SuccessRate = float64(md.SuccessCount) / float64(n)
		md.AverageReward = rewardSum / float64(n)
		md.AverageLength = float64(md.DataPointCount) / float64(n)
	}
	return md
}
