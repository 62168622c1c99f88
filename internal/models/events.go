package models

import "time"

type EventType string

const (
	EventResearchStarted    EventType = "researchStarted"
	EventIterationStarted   EventType = "iterationStarted"
	EventAgentStarted       EventType = "agentStarted"
	EventAgentCompleted     EventType = "agentCompleted"
	EventScoringCompleted   EventType = "scoringCompleted"
	EventConsensusSelected  EventType = "consensusSelected"
	EventIterationCompleted EventType = "iterationCompleted"
	EventResearchCompleted  EventType = "researchCompleted"
	EventResearchFailed     EventType = "researchFailed"
)

// AllEventTypes lists every event the engine emits, in lifecycle order.
var AllEventTypes = []EventType{
	EventResearchStarted,
	EventIterationStarted,
	EventAgentStarted,
	EventAgentCompleted,
	EventScoringCompleted,
	EventConsensusSelected,
	EventIterationCompleted,
	EventResearchCompleted,
	EventResearchFailed,
}

// Event is delivered to subscribers by value. Payload holds one of the
// *Payload structs below.
type Event struct {
	Type       EventType `json:"type"`
	ResearchID string    `json:"research_id"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload"`
}

type ResearchStartedPayload struct {
	Topic  string         `json:"topic"`
	Config ResearchConfig `json:"config"`
}

type IterationStartedPayload struct {
	Iteration int              `json:"iteration"`
	Context   IterationContext `json:"context"`
}

type AgentStartedPayload struct {
	Iteration int    `json:"iteration"`
	AgentID   int    `json:"agent_id"`
	Strategy  string `json:"strategy,omitempty"`
}

type AgentCompletedPayload struct {
	Iteration  int    `json:"iteration"`
	AgentID    int    `json:"agent_id"`
	Success    bool   `json:"success"`
	ReportID   string `json:"report_id,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type ScoringCompletedPayload struct {
	Iteration int           `json:"iteration"`
	Scores    []ReportScore `json:"scores"`
}

type ConsensusSelectedPayload struct {
	Iteration        int     `json:"iteration"`
	SelectedReportID string  `json:"selected_report_id"`
	Reason           string  `json:"reason"`
	Confidence       float64 `json:"confidence"`
}

type IterationCompletedPayload struct {
	Result IterationResult `json:"result"`
}

type ResearchCompletedPayload struct {
	Iterations      int          `json:"iterations"`
	TotalDurationMs int64        `json:"total_duration_ms"`
	FinalScore      *ReportScore `json:"final_score,omitempty"`
}

type ResearchFailedPayload struct {
	Iteration int    `json:"iteration"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
}
