package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Data point status labels.
const (
	StatusRetained = "retained"
	StatusDropped  = "dropped"
)

// Export result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// CollectionCollector bundles Prometheus metrics for episode collection and
// dataset export.
type CollectionCollector struct {
	gatherer prometheus.Gatherer

	Episodes       *prometheus.CounterVec
	DataPoints     *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	EpisodeReward  prometheus.Histogram
	Timeouts       *prometheus.CounterVec
	ActiveWorkers  prometheus.Gauge
	Exports        *prometheus.CounterVec
	ExportDuration *prometheus.HistogramVec
}

// NewCollectionCollector registers collection metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCollectionCollector(reg prometheus.Registerer) (*CollectionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	episodes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlhf_episodes_total",
		Help: "Finished episodes, labeled by outcome and scenario type.",
	}, []string{"outcome", "scenario_type"}), "rlhf_episodes_total")
	if err != nil {
		return nil, err
	}

	points, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlhf_data_points_total",
		Help: "Collected data points, labeled by whether they were retained or dropped.",
	}, []string{"status"}), "rlhf_data_points_total")
	if err != nil {
		return nil, err
	}

	anomalies, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlhf_anomalies_total",
		Help: "Anomaly flags raised on retained data points, labeled by kind.",
	}, []string{"kind"}), "rlhf_anomalies_total")
	if err != nil {
		return nil, err
	}

	reward, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rlhf_episode_reward",
		Help:    "Total reward per finished episode.",
		Buckets: []float64{-10, -5, -2, -1, 0, 1, 2, 5, 10, 20, 50, 100},
	}), "rlhf_episode_reward")
	if err != nil {
		return nil, err
	}

	timeouts, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlhf_collaborator_timeouts_total",
		Help: "Simulation engine and policy calls that exceeded the per-call timeout.",
	}, []string{"call"}), "rlhf_collaborator_timeouts_total")
	if err != nil {
		return nil, err
	}

	workers, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rlhf_active_workers",
		Help: "Collection workers currently running.",
	}), "rlhf_active_workers")
	if err != nil {
		return nil, err
	}

	exports, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlhf_exports_total",
		Help: "Dataset exports, labeled by format and result.",
	}, []string{"format", "result"}), "rlhf_exports_total")
	if err != nil {
		return nil, err
	}

	exportDuration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rlhf_export_duration_seconds",
		Help:    "Dataset export latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"format"}), "rlhf_export_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &CollectionCollector{
		gatherer:       gathererFor(reg),
		Episodes:       episodes,
		DataPoints:     points,
		Anomalies:      anomalies,
		EpisodeReward:  reward,
		Timeouts:       timeouts,
		ActiveWorkers:  workers,
		Exports:        exports,
		ExportDuration: exportDuration,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *CollectionCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *CollectionCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveEpisode records the counters derived from one finished episode.
func (c *CollectionCollector) ObserveEpisode(rec model.EpisodeRecord) {
	if c == nil {
		return
	}
	if c.Episodes != nil {
		c.Episodes.WithLabelValues(string(rec.Outcome), string(rec.Scenario.Type)).Inc()
	}
	if c.DataPoints != nil {
		c.DataPoints.WithLabelValues(StatusRetained).Add(float64(len(rec.Points)))
		c.DataPoints.WithLabelValues(StatusDropped).Add(float64(rec.Dropped))
	}
	if c.Anomalies != nil {
		for _, p := range rec.Points {
			for _, a := range p.Quality.Anomalies {
				c.Anomalies.WithLabelValues(string(a.Kind)).Inc()
			}
		}
	}
	if c.EpisodeReward != nil {
		c.EpisodeReward.Observe(rec.TotalReward)
	}
}

// ObserveOutliers counts statistical outliers flagged over a whole dataset.
// ObserveEpisode never sees them; they are judged once the run is complete.
func (c *CollectionCollector) ObserveOutliers(n int) {
	if c == nil || c.Anomalies == nil || n <= 0 {
		return
	}
	c.Anomalies.WithLabelValues(string(model.AnomalyStatisticalOutlier)).Add(float64(n))
}

// ObserveTimeout counts a collaborator call that timed out.
func (c *CollectionCollector) ObserveTimeout(call string) {
	if c == nil || c.Timeouts == nil {
		return
	}
	c.Timeouts.WithLabelValues(call).Inc()
}

// WorkerStarted increments the active worker gauge.
func (c *CollectionCollector) WorkerStarted() {
	if c == nil || c.ActiveWorkers == nil {
		return
	}
	c.ActiveWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge.
func (c *CollectionCollector) WorkerStopped() {
	if c == nil || c.ActiveWorkers == nil {
		return
	}
	c.ActiveWorkers.Dec()
}

// ObserveExport records the result and latency of one export call.
func (c *CollectionCollector) ObserveExport(format string, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	if c.Exports != nil {
		c.Exports.WithLabelValues(format, result).Inc()
	}
	if c.ExportDuration != nil {
		c.ExportDuration.WithLabelValues(format).Observe(d.Seconds())
	}
}
