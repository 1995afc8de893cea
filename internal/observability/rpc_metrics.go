package observability

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// RPCCollector holds the policy service metrics: request counts and
// latencies per method and code, and the size of the actions served.
type RPCCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
	Assignments  prometheus.Histogram
}

// NewRPCCollector registers policy RPC metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewRPCCollector(reg prometheus.Registerer) (*RPCCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlhf_policy_requests_total",
		Help: "Handled policy RPCs, labeled by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}), "rlhf_policy_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rlhf_policy_request_duration_seconds",
		Help:    "Policy RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"service", "method"}), "rlhf_policy_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	assignments, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rlhf_policy_assignments",
		Help:    "Target assignments per action returned by the policy service.",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
	}), "rlhf_policy_assignments")
	if err != nil {
		return nil, err
	}

	return &RPCCollector{
		gatherer:     gathererFor(reg),
		RPCRequests:  requests,
		RPCDurations: durations,
		Assignments:  assignments,
	}, nil
}

// ObserveAction records the number of target assignments in a served action.
func (c *RPCCollector) ObserveAction(action model.ActionSpec) {
	if c == nil || c.Assignments == nil {
		return
	}
	c.Assignments.Observe(float64(len(action.Mission.Assignments)))
}

// UnaryServerInterceptor counts and times every unary call. It is safe to
// take from a nil collector, in which case it only forwards.
func (c *RPCCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}

		var fullMethod string
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// SplitMethod turns "/pkg.Service/Method" into ("Service", "Method"). Parts
// that cannot be parsed come back as "unknown".
func SplitMethod(fullMethod string) (string, string) {
	path := strings.TrimPrefix(fullMethod, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "unknown", "unknown"
	}
	service, method := path[:i], path[i+1:]
	service = service[strings.LastIndex(service, ".")+1:]
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
