package export

import (
	"github.com/signalsfoundry/constellation-rlhf/internal/stats"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

// DefaultHistogramBins is the number of reward histogram bins.
const DefaultHistogramBins = 20

// Histogram counts values into len(Counts) equal-width bins bounded by Edges.
type Histogram struct {
	Edges  []float64 `json:"edges" yaml:"edges"`
	Counts []int64   `json:"counts" yaml:"counts"`
}

// FeatureSummary holds per-feature moments of the flattened states.
type FeatureSummary struct {
	Mean []float64 `json:"mean" yaml:"mean"`
	Std  []float64 `json:"std" yaml:"std"`
	Min  []float64 `json:"min" yaml:"min"`
	Max  []float64 `json:"max" yaml:"max"`
}

// Statistics summarizes a dataset for inspection alongside the export.
type Statistics struct {
	Episodes        int                       `json:"episode_count" yaml:"episode_count"`
	DataPoints      int                       `json:"data_point_count" yaml:"data_point_count"`
	Dropped         int                       `json:"dropped_point_count" yaml:"dropped_point_count"`
	SuccessRate     float64                   `json:"success_rate" yaml:"success_rate"`
	RewardMean      float64                   `json:"reward_mean" yaml:"reward_mean"`
	RewardStd       float64                   `json:"reward_std" yaml:"reward_std"`
	RewardMin       float64                   `json:"reward_min" yaml:"reward_min"`
	RewardMax       float64                   `json:"reward_max" yaml:"reward_max"`
	RewardHistogram Histogram                 `json:"reward_histogram" yaml:"reward_histogram"`
	Anomalies       map[model.AnomalyKind]int `json:"anomalies" yaml:"anomalies"`
	State           FeatureSummary            `json:"state_features" yaml:"state_features"`
}

// ComputeStatistics derives the reward distribution, anomaly counts and
// per-feature state moments. States whose width differs from the first
// state are left out of the feature summary.
func ComputeStatistics(ds model.Dataset, bins int) Statistics {
	if bins <= 0 {
		bins = DefaultHistogramBins
	}
	md := model.Summarize(ds.Episodes)
	st := Statistics{
		Episodes:    md.EpisodeCount,
		DataPoints:  md.DataPointCount,
		Dropped:     md.DroppedCount,
		SuccessRate: md.SuccessRate,
		Anomalies:   make(map[model.AnomalyKind]int),
	}

	var reward stats.Welford
	var features []stats.Welford
	var rewards []float64
	for _, ep := range ds.Episodes {
		for _, p := range ep.Points {
			reward.Add(p.Reward)
			rewards = append(rewards, p.Reward)
			for _, a := range p.Quality.Anomalies {
				st.Anomalies[a.Kind]++
			}
			if features == nil {
				features = make([]stats.Welford, len(p.State.Values))
			}
			if len(p.State.Values) != len(features) {
				continue
			}
			for i, v := range p.State.Values {
				features[i].Add(v)
			}
		}
	}

	st.RewardMean = reward.Mean()
	st.RewardStd = reward.StdDev()
	st.RewardMin = reward.Min()
	st.RewardMax = reward.Max()
	st.RewardHistogram = histogram(rewards, reward.Min(), reward.Max(), bins)

	st.State = FeatureSummary{
		Mean: make([]float64, len(features)),
		Std:  make([]float64, len(features)),
		Min:  make([]float64, len(features)),
		Max:  make([]float64, len(features)),
	}
	for i := range features {
		st.State.Mean[i] = features[i].Mean()
		st.State.Std[i] = features[i].StdDev()
		st.State.Min[i] = features[i].Min()
		st.State.Max[i] = features[i].Max()
	}
	return st
}

func histogram(values []float64, lo, hi float64, bins int) Histogram {
	if len(values) == 0 {
		return Histogram{Edges: []float64{}, Counts: []int64{}}
	}
	if hi <= lo {
		return Histogram{Edges: []float64{lo, hi}, Counts: []int64{int64(len(values))}}
	}
	h := Histogram{Edges: make([]float64, bins+1), Counts: make([]int64, bins)}
	width := (hi - lo) / float64(bins)
	for i := range h.Edges {
		h.Edges[i] = lo + float64(i)*width
	}
	h.Edges[bins] = hi
	for _, v := range values {
		b := int((v - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		h.Counts[b]++
	}
	return h
}
