package models

import (
	"time"
)

// AgentStrategy shapes how one agent queries the search backend. Strategies
// are fixed for the lifetime of an engine.
type AgentStrategy struct {
	AgentID            int      `json:"agent_id" yaml:"agent_id"`
	Name               string   `json:"name,omitempty" yaml:"name"`
	QueryModifiers     []string `json:"query_modifiers" yaml:"query_modifiers"`
	PreferredSources   []string `json:"preferred_sources,omitempty" yaml:"preferred_sources"`
	TimeRange          string   `json:"time_range,omitempty" yaml:"time_range"`
	MaxResultsPerAgent int      `json:"max_results_per_agent" yaml:"max_results_per_agent"`
}

// IterationContext is the read-only input handed to every agent of one
// iteration.
type IterationContext struct {
	Iteration           int          `json:"iteration"`
	Topic               string       `json:"topic"`
	PreviousConsensus   string       `json:"previous_consensus,omitempty"`
	PreviousScore       *ReportScore `json:"previous_score,omitempty"`
	UnresolvedQuestions []string     `json:"unresolved_questions"`
	CoveredSources      []string     `json:"covered_sources"`
	AreasToDeepen       []string     `json:"areas_to_deepen"`
	IsInitial           bool         `json:"is_initial"`
}

func NewInitialIterationContext(topic string) *IterationContext {
	return &IterationContext{
		Iteration:           1,
		Topic:               topic,
		UnresolvedQuestions: []string{},
		CoveredSources:      []string{},
		AreasToDeepen:       []string{},
		IsInitial:           true,
	}
}

// Snapshot returns a deep copy so agents cannot mutate engine-owned slices.
func (ic *IterationContext) Snapshot() IterationContext {
	snapshot := *ic
	snapshot.UnresolvedQuestions = append([]string(nil), ic.UnresolvedQuestions...)
	snapshot.CoveredSources = append([]string(nil), ic.CoveredSources...)
	snapshot.AreasToDeepen = append([]string(nil), ic.AreasToDeepen...)
	if ic.PreviousScore != nil {
		score := ic.PreviousScore.Clone()
		snapshot.PreviousScore = &score
	}
	return snapshot
}

func (ic *IterationContext) IsCovered(url string) bool {
	for _, covered := range ic.CoveredSources {
		if covered == url {
			return true
		}
	}
	return false
}

type SourceReference struct {
	URL              string    `json:"url"`
	Title            string    `json:"title"`
	FetchedAt        time.Time `json:"fetched_at"`
	ReliabilityScore float64   `json:"reliability_score"`
}

type AgentReport struct {
	AgentID     int               `json:"agent_id"`
	ReportID    string            `json:"report_id"`
	Content     string            `json:"content"`
	Sources     []SourceReference `json:"sources"`
	Strategy    AgentStrategy     `json:"strategy"`
	GeneratedAt time.Time         `json:"generated_at"`
	DurationMs  int64             `json:"duration_ms"`
}

type ConflictStatement struct {
	ReportID string `json:"report_id"`
	Text     string `json:"text"`
	Source   string `json:"source,omitempty"`
}

type ConflictType string

const (
	ConflictTypeContradiction ConflictType = "contradiction"
)

type ConflictDetail struct {
	Type        ConflictType      `json:"type"`
	StatementA  ConflictStatement `json:"statement_a"`
	StatementB  ConflictStatement `json:"statement_b"`
	Confidence  float64           `json:"confidence"`
	Description string            `json:"description"`
}

// Involves reports whether reportID owns either side of the conflict.
func (cd ConflictDetail) Involves(reportID string) bool {
	return cd.StatementA.ReportID == reportID || cd.StatementB.ReportID == reportID
}

type ReportScore struct {
	ReportID         string           `json:"report_id"`
	TotalScore       float64          `json:"total_score"`
	ConsistencyScore float64          `json:"consistency_score"`
	ReliabilityScore float64          `json:"reliability_score"`
	CoverageScore    float64          `json:"coverage_score"`
	Conflicts        []ConflictDetail `json:"conflicts"`
	UnverifiedCount  int              `json:"unverified_count"`
	SourceURLs       []string         `json:"source_urls"`
}

func (rs ReportScore) Clone() ReportScore {
	clone := rs
	clone.Conflicts = append([]ConflictDetail(nil), rs.Conflicts...)
	clone.SourceURLs = append([]string(nil), rs.SourceURLs...)
	return clone
}

type IterationResult struct {
	Iteration        int           `json:"iteration"`
	AgentReports     []AgentReport `json:"agent_reports"`
	Scores           []ReportScore `json:"scores"`
	ConsensusReport  string        `json:"consensus_report"`
	SelectionReason  string        `json:"selection_reason"`
	SelectedReportID string        `json:"selected_report_id"`
	DurationMs       int64         `json:"duration_ms"`
}

// BestScore returns the highest total score of the iteration, 0 when empty.
func (ir IterationResult) BestScore() float64 {
	best := 0.0
	for i, score := range ir.Scores {
		if i == 0 || score.TotalScore > best {
			best = score.TotalScore
		}
	}
	return best
}

// SelectedScore returns the score of the selected report, if present.
func (ir IterationResult) SelectedScore() (ReportScore, bool) {
	for _, score := range ir.Scores {
		if score.ReportID == ir.SelectedReportID {
			return score, true
		}
	}
	return ReportScore{}, false
}

// ResearchConfig is the effective configuration of one research run.
type ResearchConfig struct {
	AgentCount           int           `json:"agent_count"`
	IterationCount       int           `json:"iteration_count"`
	AgentTimeout         time.Duration `json:"agent_timeout"`
	ConflictThreshold    float64       `json:"conflict_threshold"`
	ImprovementThreshold float64       `json:"improvement_threshold"`
}

type ResearchMetadata struct {
	ResearchID  string         `json:"research_id"`
	Topic       string         `json:"topic"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Config      ResearchConfig `json:"config"`
	Warnings    []string       `json:"warnings,omitempty"`
}

type ConsensusResearchResult struct {
	FinalReport     string            `json:"final_report"`
	Iterations      []IterationResult `json:"iterations"`
	TotalDurationMs int64             `json:"total_duration_ms"`
	TotalAgentRuns  int               `json:"total_agent_runs"`
	FinalScore      *ReportScore      `json:"final_score,omitempty"`
	Metadata        ResearchMetadata  `json:"metadata"`
}
