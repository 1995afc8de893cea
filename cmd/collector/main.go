package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/constellation-rlhf/internal/collect"
	"github.com/signalsfoundry/constellation-rlhf/internal/config"
	"github.com/signalsfoundry/constellation-rlhf/internal/export"
	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/observability"
	"github.com/signalsfoundry/constellation-rlhf/internal/policy"
	"github.com/signalsfoundry/constellation-rlhf/internal/scenario"
	"github.com/signalsfoundry/constellation-rlhf/internal/simsource"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

func main() {
	mode := flag.String("mode", string(model.ModeTraining), "collection mode: training or evaluation")
	episodes := flag.Int("episodes", 0, "scenarios to collect; 0 uses the configured count for the mode")
	scenarios := flag.String("scenarios", "", "evaluation set file: reused when it exists, written otherwise")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		logging.NewFromEnv().Error(context.Background(), "invalid environment", logging.Err(err))
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := options{mode: model.CollectionMode(*mode), episodes: *episodes, scenarioFile: *scenarios}
	if err := run(ctx, cfg, opts, log); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn(ctx, "collection interrupted", logging.Err(err))
			return
		}
		log.Error(ctx, "collection failed", logging.Err(err))
		os.Exit(1)
	}
}

type options struct {
	mode     model.CollectionMode
	episodes int
	// scenarioFile holds the evaluation set so later runs score against the
	// identical scenarios.
	scenarioFile string
}

// run collects one dataset and writes it in every configured format. A
// cancelled collection still exports the episodes it gathered.
func run(ctx context.Context, cfg config.Config, opts options, log logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	mode, n := opts.mode, opts.episodes
	if mode != model.ModeTraining && mode != model.ModeEvaluation {
		return model.NewConfigurationError("mode", "must be training or evaluation, got %q", mode)
	}
	if n <= 0 {
		n = cfg.Episodes.Training
		if mode == model.ModeEvaluation {
			n = cfg.Episodes.Evaluation
		}
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.WithoutCancel(ctx), shutdownTracing, log)

	collector, err := observability.NewCollectionCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	gen, err := scenario.NewGenerator(cfg.Scenario, log)
	if err != nil {
		return err
	}
	engine, err := simsource.NewWalkerEngine(cfg.Engine, log)
	if err != nil {
		return err
	}
	pol, closePolicy, err := dialPolicy(cfg.Policy, log)
	if err != nil {
		return err
	}
	defer closePolicy()

	orch, err := collect.NewOrchestrator(cfg.Collection, collect.Deps{
		Engine:  engine,
		Policy:  pol,
		Bounds:  cfg.Bounds,
		Reward:  cfg.Reward,
		Quality: cfg.Quality,
		Augment: cfg.Augment,
		Logger:  log,
		Metrics: collector,
	})
	if err != nil {
		return err
	}

	var ds model.Dataset
	var collectErr error
	if mode == model.ModeEvaluation {
		set, err := evaluationSet(gen, n, opts.scenarioFile, log)
		if err != nil {
			return err
		}
		ds, collectErr = orch.Collect(ctx, mode, cfg.Scenario.Seed, set)
	} else {
		ds, collectErr = orch.Training(ctx, gen, n)
	}
	if len(ds.Episodes) == 0 {
		return errors.Join(collectErr, errors.New("no episodes collected"))
	}

	exporter, err := newExporter(context.WithoutCancel(ctx), cfg.Export, collector, log)
	if err != nil {
		return errors.Join(collectErr, err)
	}
	errs := []error{collectErr}
	base := fmt.Sprintf("%s_%s", mode, ds.Metadata.GeneratedAt.Format("20060102T150405Z"))
	for _, f := range cfg.Export.Formats {
		dest := exporter.Path(cfg.Export.OutputDir, base, f)
		errs = append(errs, exporter.Export(context.WithoutCancel(ctx), ds, f, dest))
	}

	log.Info(ctx, "dataset written",
		logging.String("mode", string(mode)),
		logging.Int("episodes", ds.Metadata.EpisodeCount),
		logging.Int("data_points", ds.Metadata.DataPointCount),
		logging.Float("success_rate", ds.Metadata.SuccessRate),
		logging.String("output", cfg.Export.OutputDir),
	)
	return errors.Join(errs...)
}

// evaluationSet reads the set stored at path, or generates n scenarios and
// stores them there. An empty path always generates.
func evaluationSet(gen *scenario.Generator, n int, path string, log logging.Logger) ([]model.ScenarioConfig, error) {
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			set, err := scenario.ReadScenarios(f)
			if err != nil {
				return nil, fmt.Errorf("read evaluation set %s: %w", path, err)
			}
			log.Info(context.Background(), "reusing evaluation set",
				logging.String("path", path),
				logging.Int("scenarios", len(set)),
			)
			return set, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open evaluation set: %w", err)
		}
	}

	set, err := gen.Evaluation(n)
	if err != nil || path == "" {
		return set, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create evaluation set: %w", err)
	}
	if err := scenario.WriteScenarios(f, set); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close evaluation set: %w", err)
	}
	log.Info(context.Background(), "stored evaluation set", logging.String("path", path), logging.Int("scenarios", len(set)))
	return set, nil
}

// dialPolicy returns the greedy expert when no address is configured.
func dialPolicy(cfg config.Policy, log logging.Logger) (policy.Policy, func(), error) {
	if cfg.Address == "" {
		log.Info(context.Background(), "using built-in greedy policy")
		return policy.NewGreedy(), func() {}, nil
	}
	remote, err := policy.Dial(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	log.Info(context.Background(), "using remote policy", logging.String("addr", cfg.Address))
	return remote, func() { _ = remote.Close() }, nil
}

func newExporter(ctx context.Context, cfg config.Export, collector *observability.CollectionCollector, log logging.Logger) (*export.Exporter, error) {
	opts := []export.Option{export.WithLogger(log), export.WithMetrics(collector)}
	if export.IsS3(cfg.OutputDir) {
		pub, err := export.NewS3PublisherFromConfig(ctx, cfg.S3, log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, export.WithPublisher(pub))
	}
	return export.NewExporter(opts...), nil
}

func serveMetrics(addr string, collector *observability.CollectionCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

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
