// Package config assembles the settings of every pipeline component, reads
// overrides from the environment and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/signalsfoundry/constellation-rlhf/internal/collect"
	"github.com/signalsfoundry/constellation-rlhf/internal/encoder"
	"github.com/signalsfoundry/constellation-rlhf/internal/export"
	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/internal/observability"
	"github.com/signalsfoundry/constellation-rlhf/internal/quality"
	"github.com/signalsfoundry/constellation-rlhf/internal/reward"
	"github.com/signalsfoundry/constellation-rlhf/internal/scenario"
	"github.com/signalsfoundry/constellation-rlhf/internal/simsource"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Episodes is how many scenarios each mode collects.
type Episodes struct {
	Training   int `json:"training" yaml:"training" validate:"gte=0"`
	Evaluation int `json:"evaluation" yaml:"evaluation" validate:"gte=0"`
}

// Export selects where and how datasets are written. OutputDir is a local
// directory or an s3://bucket/prefix; S3 only applies to the latter.
type Export struct {
	OutputDir string          `json:"output_dir" yaml:"output_dir" validate:"required"`
	Formats   []export.Format `json:"formats" yaml:"formats" validate:"min=1,dive,oneof=json yaml hdb npz"`
	S3        export.S3Config `json:"-" yaml:"-"`
}

// Policy selects the acting policy. An empty Address uses the built-in
// greedy expert.
type Policy struct {
	Address string `json:"address" yaml:"address" validate:"omitempty,hostname_port"`
}

// Config is the full pipeline configuration.
type Config struct {
	Scenario   scenario.Config        `json:"scenario" yaml:"scenario"`
	Bounds     encoder.Bounds         `json:"bounds" yaml:"bounds"`
	Reward     reward.Config          `json:"reward" yaml:"reward"`
	Quality    quality.Config         `json:"quality" yaml:"quality"`
	Augment    quality.AugmentConfig  `json:"augmentation" yaml:"augmentation"`
	Engine     simsource.WalkerConfig `json:"engine" yaml:"engine"`
	Collection collect.Config         `json:"collection" yaml:"collection"`
	Episodes   Episodes               `json:"episodes" yaml:"episodes"`
	Export     Export                 `json:"export" yaml:"export"`
	Policy     Policy                 `json:"policy" yaml:"policy"`
	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string                      `json:"metrics_addr" yaml:"metrics_addr"`
	Logging     logging.Config              `json:"logging" yaml:"logging"`
	Tracing     observability.TracingConfig `json:"tracing" yaml:"tracing"`
}

// Default returns the documented defaults: every component's own defaults,
// 100 training and 20 evaluation scenarios, JSON and HDB exports under
// ./datasets.
func Default() Config {
	return Config{
		Scenario:   scenario.DefaultConfig(),
		Bounds:     encoder.DefaultBounds(),
		Reward:     reward.DefaultConfig(),
		Quality:    quality.DefaultConfig(),
		Augment:    quality.DefaultAugmentConfig(),
		Engine:     simsource.DefaultWalkerConfig(),
		Collection: collect.DefaultConfig(),
		Episodes:   Episodes{Training: 100, Evaluation: 20},
		Export: Export{
			OutputDir: "datasets",
			Formats:   []export.Format{export.FormatJSON, export.FormatHDB},
		},
		MetricsAddr: ":9090",
		Logging:     logging.Config{Level: "info", Format: "text"},
		Tracing:     observability.DefaultTracingConfig(),
	}
}

// FromEnv overlays RLHF_* and LOG_* environment variables on Default. A
// variable that does not parse is a ConfigurationError.
func FromEnv() (Config, error) {
	cfg := Default()
	env := envReader{}

	cfg.Collection.Workers = env.int("RLHF_WORKERS", cfg.Collection.Workers)
	cfg.Collection.CallTimeout = env.duration("RLHF_CALL_TIMEOUT", cfg.Collection.CallTimeout)
	cfg.Collection.MaxSteps = env.int("RLHF_MAX_STEPS", cfg.Collection.MaxSteps)
	cfg.Collection.SuccessThreshold = env.float("RLHF_SUCCESS_THRESHOLD", cfg.Collection.SuccessThreshold)
	if seed, ok := env.int64("RLHF_SEED"); ok {
		cfg.Scenario.Seed = seed
		cfg.Augment.Seed = seed
	}
	cfg.Episodes.Training = env.int("RLHF_TRAINING_EPISODES", cfg.Episodes.Training)
	cfg.Episodes.Evaluation = env.int("RLHF_EVALUATION_EPISODES", cfg.Episodes.Evaluation)

	if dir := os.Getenv("RLHF_OUTPUT_DIR"); dir != "" {
		cfg.Export.OutputDir = dir
	}
	if list := os.Getenv("RLHF_EXPORT_FORMATS"); list != "" {
		cfg.Export.Formats = parseFormats(list)
	}
	cfg.Export.S3 = export.S3Config{
		Region:       os.Getenv("RLHF_S3_REGION"),
		Endpoint:     os.Getenv("RLHF_S3_ENDPOINT"),
		UsePathStyle: strings.EqualFold(os.Getenv("RLHF_S3_PATH_STYLE"), "true"),
	}

	cfg.Policy.Address = os.Getenv("RLHF_POLICY_ADDR")
	if addr, ok := os.LookupEnv("RLHF_METRICS_ADDR"); ok {
		cfg.MetricsAddr = addr
	}

	logCfg := logging.ConfigFromEnv()
	if logCfg.Level != "" {
		cfg.Logging.Level = logCfg.Level
	}
	if logCfg.Format != "" {
		cfg.Logging.Format = logCfg.Format
	}
	cfg.Tracing = observability.TracingConfigFromEnv()

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags first, then each component's own rules. Every
// failure is a ConfigurationError; tag failures name the field by its JSON
// path.
func (c Config) Validate() error {
	c.Quality.Bounds = c.Bounds
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	for _, check := range []func() error{
		c.Scenario.Validate,
		c.Bounds.Validate,
		c.Reward.Validate,
		c.Quality.Validate,
		c.Augment.Validate,
		c.Engine.Validate,
		c.Collection.Validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return model.NewConfigurationError("config", "%v", err)
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	reason := fmt.Sprintf("failed %q", fe.Tag())
	if fe.Param() != "" {
		reason = fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return model.NewConfigurationError(field, "%s (got %v)", reason, fe.Value())
}

func parseFormats(list string) []export.Format {
	var out []export.Format
	for _, raw := range strings.Split(list, ",") {
		if name := strings.ToLower(strings.TrimSpace(raw)); name != "" {
			out = append(out, export.Format(name))
		}
	}
	return out
}

// envReader parses typed variables and remembers every parse failure.
type envReader struct {
	errs []error
}

func (e *envReader) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, model.NewConfigurationError(key, "not an integer: %q", raw))
		return def
	}
	return v
}

func (e *envReader) int64(key string) (int64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.errs = append(e.errs, model.NewConfigurationError(key, "not an integer: %q", raw))
		return 0, false
	}
	return v, true
}

func (e *envReader) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, model.NewConfigurationError(key, "not a number: %q", raw))
		return def
	}
	return v
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, model.NewConfigurationError(key, "not a duration: %q", raw))
		return def
	}
	return v
}
