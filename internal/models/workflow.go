package models

import (
	"time"

	"github.com/google/uuid"
)

type ResearchRequest struct {
	Topic                string   `json:"topic" binding:"required"`
	ResearchID           string   `json:"research_id,omitempty"`
	AgentCount           int      `json:"agent_count,omitempty"`
	IterationCount       int      `json:"iteration_count,omitempty"`
	AgentTimeoutSeconds  int      `json:"agent_timeout_seconds,omitempty"`
	ConflictThreshold    *float64 `json:"conflict_threshold,omitempty"`
	ImprovementThreshold *float64 `json:"improvement_threshold,omitempty"`
}

type ResearchResponse struct {
	ResearchID string                   `json:"research_id"`
	Status     RunStatus                `json:"status"`
	Message    string                   `json:"message"`
	RequestID  string                   `json:"request_id"`
	Timestamp  time.Time                `json:"timestamp"`
	TotalTime  *float64                 `json:"total_time_ms,omitempty"`
	Result     *ConsensusResearchResult `json:"result,omitempty"`
}

// RunStatus follows the engine's state machine:
// idle -> running -> finalizing -> done | failed.
type RunStatus string

const (
	RunStatusIdle       RunStatus = "idle"
	RunStatusRunning    RunStatus = "running"
	RunStatusFinalizing RunStatus = "finalizing"
	RunStatusDone       RunStatus = "done"
	RunStatusFailed     RunStatus = "failed"
)

// ResearchRun tracks one Research call from start to finish.
type ResearchRun struct {
	ID               string     `json:"id"`
	Topic            string     `json:"topic"`
	Status           RunStatus  `json:"status"`
	CurrentIteration int        `json:"current_iteration"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	Error            string     `json:"error,omitempty"`
}

func NewResearchRun(researchID, topic string) *ResearchRun {
	if researchID == "" {
		researchID = GenerateResearchID()
	}
	return &ResearchRun{
		ID:        researchID,
		Topic:     topic,
		Status:    RunStatusIdle,
		StartTime: time.Now(),
	}
}

func NewResearchResponse(researchID, requestID string, status RunStatus, message string) *ResearchResponse {
	return &ResearchResponse{
		ResearchID: researchID,
		Status:     status,
		Message:    message,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}
}

func (run *ResearchRun) MarkRunning(iteration int) {
	run.Status = RunStatusRunning
	run.CurrentIteration = iteration
}

func (run *ResearchRun) MarkFinalizing() {
	run.Status = RunStatusFinalizing
}

func (run *ResearchRun) MarkCompleted() {
	run.Status = RunStatusDone
	now := time.Now()
	run.EndTime = &now
}

func (run *ResearchRun) MarkFailed(err error) {
	run.Status = RunStatusFailed
	now := time.Now()
	run.EndTime = &now
	if err != nil {
		run.Error = err.Error()
	}
}

func (run *ResearchRun) GetDuration() time.Duration {
	if run.EndTime != nil {
		return run.EndTime.Sub(run.StartTime)
	}
	return time.Since(run.StartTime)
}

func (run *ResearchRun) IsCompleted() bool {
	return run.Status == RunStatusDone
}

func (run *ResearchRun) IsFailed() bool {
	return run.Status == RunStatusFailed
}

func GenerateRequestID() string {
	return uuid.New().String()
}

func GenerateResearchID() string {
	return uuid.New().String()
}

// APIResponse is the envelope every HTTP handler writes.
type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     *AppError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
