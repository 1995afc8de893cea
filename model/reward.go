package model

// TrackingMetrics are the sub-metrics of the tracking performance category.
type TrackingMetrics struct {
	CoverageTimeRatio    float64 `json:"coverage_time_ratio" yaml:"coverage_time_ratio"`
	TrackingAccuracy     float64 `json:"tracking_accuracy" yaml:"tracking_accuracy"`
	DetectionSuccessRate float64 `json:"detection_success_rate" yaml:"detection_success_rate"`
}

// EfficiencyMetrics are the sub-metrics of the resource efficiency category.
type EfficiencyMetrics struct {
	PowerEfficiency         float64 `json:"power_efficiency" yaml:"power_efficiency"`
	CommunicationEfficiency float64 `json:"communication_efficiency" yaml:"communication_efficiency"`
	ComputationalEfficiency float64 `json:"computational_efficiency" yaml:"computational_efficiency"`
}

// CompletionMetrics are the sub-metrics of the mission completion category.
type CompletionMetrics struct {
	ThreatNeutralizationRate  float64 `json:"threat_neutralization_rate" yaml:"threat_neutralization_rate"`
	ResponseTimeFactor        float64 `json:"response_time_factor" yaml:"response_time_factor"`
	CoordinationEffectiveness float64 `json:"coordination_effectiveness" yaml:"coordination_effectiveness"`
}

// Penalties are non-negative terms subtracted from the weighted sum.
type Penalties struct {
	FalseAlarm     float64 `json:"false_alarm_penalty" yaml:"false_alarm_penalty"`
	ResourceWaste  float64 `json:"resource_waste_penalty" yaml:"resource_waste_penalty"`
	MissionFailure float64 `json:"mission_failure_penalty" yaml:"mission_failure_penalty"`
}

// Total returns the sum of all penalties.
func (p Penalties) Total() float64 { return p.FalseAlarm + p.ResourceWaste + p.MissionFailure }

// CategoryWeights weight the three reward categories; they sum to 1.
type CategoryWeights struct {
	Tracking   float64 `json:"tracking" yaml:"tracking"`
	Efficiency float64 `json:"efficiency" yaml:"efficiency"`
	Completion float64 `json:"completion" yaml:"completion"`
}

// SubWeights weight the three sub-metrics of one category; they sum to 1.
type SubWeights [3]float64

// RewardBreakdown is the full reward decomposition for one transition.
type RewardBreakdown struct {
	TrackingPerformance float64           `json:"tracking_performance" yaml:"tracking_performance"`
	ResourceEfficiency  float64           `json:"resource_efficiency" yaml:"resource_efficiency"`
	MissionCompletion   float64           `json:"mission_completion" yaml:"mission_completion"`
	Tracking            TrackingMetrics   `json:"tracking_metrics" yaml:"tracking_metrics"`
	Efficiency          EfficiencyMetrics `json:"efficiency_metrics" yaml:"efficiency_metrics"`
	Completion          CompletionMetrics `json:"completion_metrics" yaml:"completion_metrics"`
	Weights             CategoryWeights   `json:"category_weights" yaml:"category_weights"`
	Penalties           Penalties         `json:"penalties" yaml:"penalties"`
	Total               float64           `json:"total" yaml:"total"`
}
