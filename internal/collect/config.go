package collect

import (
	"time"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Config holds the orchestrator settings.
type Config struct {
	Workers int `json:"workers" yaml:"workers" validate:"min=1"`
	// CallTimeout bounds every call into the engine and the policy.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" validate:"gt=0"`
	// SuccessThreshold is the mean coverage ratio a completed episode needs
	// to count as a success.
	SuccessThreshold float64 `json:"success_threshold" yaml:"success_threshold" validate:"gte=0,lte=1"`
	// MaxSteps truncates episodes whose source never terminates.
	MaxSteps int `json:"max_steps" yaml:"max_steps" validate:"min=1"`
}

// DefaultConfig returns four workers with a 30 s call timeout.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		CallTimeout:      30 * time.Second,
		SuccessThreshold: 0.5,
		MaxSteps:         1000,
	}
}

// Validate rejects settings that could never finish a run.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return model.NewConfigurationError("workers", "must be at least 1, got %d", c.Workers)
	}
	if c.CallTimeout <= 0 {
		return model.NewConfigurationError("call_timeout", "must be positive, got %s", c.CallTimeout)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return model.NewConfigurationError("success_threshold", "must lie in [0,1], got %g", c.SuccessThreshold)
	}
	if c.MaxSteps < 1 {
		return model.NewConfigurationError("max_steps", "must be at least 1, got %d", c.MaxSteps)
	}
	return nil
}
