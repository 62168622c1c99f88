package engine

import (
	"fmt"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/models"
)

const (
	DefaultAgentCount           = 3
	DefaultIterationCount       = 3
	DefaultAgentTimeout         = 5 * time.Minute
	DefaultConflictThreshold    = 0.7
	DefaultImprovementThreshold = 5.0
)

// Options tunes one Research call. Zero fields fall back to the engine's
// defaults.
type Options struct {
	ResearchID           string
	AgentCount           int
	IterationCount       int
	AgentTimeout         time.Duration
	ConflictThreshold    float64
	ImprovementThreshold float64
	Strategies           []models.AgentStrategy
}

func DefaultOptions() Options {
	return Options{
		AgentCount:           DefaultAgentCount,
		IterationCount:       DefaultIterationCount,
		AgentTimeout:         DefaultAgentTimeout,
		ConflictThreshold:    DefaultConflictThreshold,
		ImprovementThreshold: DefaultImprovementThreshold,
		Strategies:           agent.DefaultStrategies,
	}
}

// merge overlays the non-zero fields of override onto base.
func merge(base, override Options) Options {
	merged := base
	if override.ResearchID != "" {
		merged.ResearchID = override.ResearchID
	}
	if override.AgentCount != 0 {
		merged.AgentCount = override.AgentCount
	}
	if override.IterationCount != 0 {
		merged.IterationCount = override.IterationCount
	}
	if override.AgentTimeout != 0 {
		merged.AgentTimeout = override.AgentTimeout
	}
	if override.ConflictThreshold != 0 {
		merged.ConflictThreshold = override.ConflictThreshold
	}
	if override.ImprovementThreshold != 0 {
		merged.ImprovementThreshold = override.ImprovementThreshold
	}
	if len(override.Strategies) > 0 {
		merged.Strategies = override.Strategies
	}
	if len(merged.Strategies) == 0 {
		merged.Strategies = agent.DefaultStrategies
	}
	return merged
}

func (o Options) validate() error {
	switch {
	case o.AgentCount < 1:
		return invalidOptions("agent count must be at least 1, got %d", o.AgentCount)
	case o.IterationCount < 1:
		return invalidOptions("iteration count must be at least 1, got %d", o.IterationCount)
	case o.AgentTimeout <= 0:
		return invalidOptions("agent timeout must be positive, got %s", o.AgentTimeout)
	case o.ConflictThreshold < 0 || o.ConflictThreshold > 1:
		return invalidOptions("conflict threshold must be within [0,1], got %v", o.ConflictThreshold)
	case o.ImprovementThreshold < 0:
		return invalidOptions("improvement threshold must not be negative, got %v", o.ImprovementThreshold)
	}
	return nil
}

func (o Options) researchConfig() models.ResearchConfig {
	return models.ResearchConfig{
		AgentCount:           o.AgentCount,
		IterationCount:       o.IterationCount,
		AgentTimeout:         o.AgentTimeout,
		ConflictThreshold:    o.ConflictThreshold,
		ImprovementThreshold: o.ImprovementThreshold,
	}
}

func invalidOptions(format string, args ...any) error {
	return models.NewValidationError(models.CodeInvalidOptions, fmt.Sprintf(format, args...))
}
