package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/constellation-rlhf/internal/export"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestFromEnvOverlaysVariables(t *testing.T) {
	t.Setenv("RLHF_WORKERS", "8")
	t.Setenv("RLHF_CALL_TIMEOUT", "250ms")
	t.Setenv("RLHF_SEED", "99")
	t.Setenv("RLHF_OUTPUT_DIR", "s3://bucket/runs")
	t.Setenv("RLHF_EXPORT_FORMATS", " NPZ, yaml ,")
	t.Setenv("RLHF_TRAINING_EPISODES", "12")
	t.Setenv("RLHF_EVALUATION_EPISODES", "3")
	t.Setenv("RLHF_POLICY_ADDR", "localhost:7070")
	t.Setenv("RLHF_METRICS_ADDR", "")
	t.Setenv("RLHF_S3_REGION", "eu-west-1")
	t.Setenv("RLHF_S3_PATH_STYLE", "TRUE")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Collection.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Collection.CallTimeout)
	assert.Equal(t, int64(99), cfg.Scenario.Seed)
	assert.Equal(t, int64(99), cfg.Augment.Seed)
	assert.Equal(t, "s3://bucket/runs", cfg.Export.OutputDir)
	assert.Equal(t, []export.Format{export.FormatNPZ, export.FormatYAML}, cfg.Export.Formats)
	assert.Equal(t, Episodes{Training: 12, Evaluation: 3}, cfg.Episodes)
	assert.Equal(t, "localhost:7070", cfg.Policy.Address)
	assert.Empty(t, cfg.MetricsAddr, "an explicitly empty address disables metrics")
	assert.Equal(t, "eu-west-1", cfg.Export.S3.Region)
	assert.True(t, cfg.Export.S3.UsePathStyle)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	require.NoError(t, cfg.Validate())
}

func TestFromEnvRejectsUnparsableValues(t *testing.T) {
	t.Setenv("RLHF_WORKERS", "many")
	t.Setenv("RLHF_CALL_TIMEOUT", "soon")

	_, err := FromEnv()
	require.Error(t, err)

	var cerr *model.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "RLHF_WORKERS", cerr.Field)
	assert.Contains(t, err.Error(), "RLHF_CALL_TIMEOUT")
}

func TestValidateNamesTheOffendingField(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"no workers", func(c *Config) { c.Collection.Workers = 0 }, "collection.workers"},
		{"no formats", func(c *Config) { c.Export.Formats = nil }, "export.formats"},
		{"unknown format", func(c *Config) { c.Export.Formats = []export.Format{"hdf5"} }, "export.formats[0]"},
		{"no output dir", func(c *Config) { c.Export.OutputDir = "" }, "export.output_dir"},
		{"bad policy address", func(c *Config) { c.Policy.Address = "no port" }, "policy.address"},
		{"negative episodes", func(c *Config) { c.Episodes.Training = -1 }, "episodes.training"},
		{"inverted missile range", func(c *Config) { c.Engine.MaxRangeKm = c.Engine.MinRangeKm }, "engine.max_range_km"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(&cfg)

			err := cfg.Validate()
			var cerr *model.ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.field, cerr.Field)
		})
	}
}

func TestValidateRunsComponentRules(t *testing.T) {
	cfg := Default()
	cfg.Scenario.Limits.MaxSatellites = 1

	err := cfg.Validate()
	var cerr *model.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "cardinality_limits.max_satellites", cerr.Field)
}

func TestValidateChecksQualityAgainstSharedBounds(t *testing.T) {
	cfg := Default()
	cfg.Bounds.PositionScaleKm = 0

	err := cfg.Validate()
	var cerr *model.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "bounds.position_scale_km", cerr.Field)
}
