package agent

import "consensus-research-pipeline/internal/models"

const defaultMaxResults = 5

// DefaultStrategies gives each sibling agent a different angle on the topic.
var DefaultStrategies = []models.AgentStrategy{
	{
		AgentID:            1,
		Name:               "overview",
		QueryModifiers:     []string{"overview", "latest developments"},
		TimeRange:          "year",
		MaxResultsPerAgent: defaultMaxResults,
	},
	{
		AgentID:            2,
		Name:               "academic",
		QueryModifiers:     []string{"research", "study", "analysis"},
		PreferredSources:   []string{".edu", ".ac.jp", ".gov"},
		MaxResultsPerAgent: defaultMaxResults,
	},
	{
		AgentID:            3,
		Name:               "industry",
		QueryModifiers:     []string{"industry", "market", "case study"},
		TimeRange:          "year",
		MaxResultsPerAgent: defaultMaxResults,
	},
	{
		AgentID:            4,
		Name:               "critical",
		QueryModifiers:     []string{"challenges", "criticism", "limitations"},
		MaxResultsPerAgent: defaultMaxResults,
	},
	{
		AgentID:            5,
		Name:               "statistics",
		QueryModifiers:     []string{"statistics", "data", "trends"},
		TimeRange:          "month",
		MaxResultsPerAgent: defaultMaxResults,
	},
}

// StrategyFor returns strategies[index], falling back to the first strategy
// when index is out of range.
func StrategyFor(strategies []models.AgentStrategy, index int) models.AgentStrategy {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	if index < 0 || index >= len(strategies) {
		return strategies[0]
	}
	return strategies[index]
}
