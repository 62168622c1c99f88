package config

import (
	"fmt"
	"os"

	"consensus-research-pipeline/internal/models"

	"gopkg.in/yaml.v3"
)

type strategiesFile struct {
	Strategies []models.AgentStrategy `yaml:"strategies"`
}

// LoadStrategies reads agent strategies from a YAML file of the form
//
//	strategies:
//	  - agent_id: 1
//	    query_modifiers: ["overview"]
//	    max_results_per_agent: 5
func LoadStrategies(path string) ([]models.AgentStrategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}

	var file strategiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategies file %s: %w", path, err)
	}
	if len(file.Strategies) == 0 {
		return nil, fmt.Errorf("strategies file %s defines no strategies", path)
	}

	seen := make(map[int]bool, len(file.Strategies))
	for i, strategy := range file.Strategies {
		if strategy.AgentID < 1 {
			return nil, fmt.Errorf("strategy %d: agent_id must be at least 1", i)
		}
		if seen[strategy.AgentID] {
			return nil, fmt.Errorf("strategy %d: duplicate agent_id %d", i, strategy.AgentID)
		}
		seen[strategy.AgentID] = true
		if strategy.MaxResultsPerAgent <= 0 {
			file.Strategies[i].MaxResultsPerAgent = 5
		}
	}

	return file.Strategies, nil
}
