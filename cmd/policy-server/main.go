package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/observability"
	"github.com/signalsfoundry/constellation-rlhf/internal/policy"
)

func main() {
	grpcAddr := flag.String("grpc-addr", ":50061", "TCP address the policy gRPC server listens on")
	metricsAddr := flag.String("metrics-addr", ":9091", "HTTP address for Prometheus /metrics")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	reg := prometheus.NewRegistry()
	rpc, err := observability.NewRPCCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(*metricsAddr, reg, log)

	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", *grpcAddr), logging.Err(err))
		os.Exit(1)
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if err := run(stopCtx, log, lis, rpc); err != nil {
		log.Error(ctx, "policy server exited", logging.Err(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// run serves the greedy expert on lis until ctx is cancelled.
func run(ctx context.Context, log logging.Logger, lis net.Listener, rpc *observability.RPCCollector) error {
	server := policy.NewGRPCServer(policy.NewGreedy(), log, rpc)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()
	log.Info(ctx, "starting policy gRPC server", logging.String("addr", lis.Addr().String()))

	select {
	case <-ctx.Done():
		log.Info(context.WithoutCancel(ctx), "shutting down policy server")
		server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
