package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/models"
)

type agentOutcome struct {
	index    int
	strategy models.AgentStrategy
	report   *models.AgentReport
	err      error
	duration time.Duration
}

// runIteration fans out one agent per slot, waits for all of them, then
// scores and selects. It returns the iteration result plus the winning report
// and its score.
func (e *Engine) runIteration(ctx context.Context, state *runState, ic models.IterationContext) (*models.IterationResult, models.AgentReport, models.ReportScore, error) {
	startTime := time.Now()
	researchID := state.run.ID
	agentCount := state.options.AgentCount

	outcomes := make(chan agentOutcome, agentCount)
	for i := 0; i < agentCount; i++ {
		strategy := agent.StrategyFor(state.options.Strategies, i)
		snapshot := ic.Snapshot()
		go func(index int) {
			outcomes <- e.runAgent(ctx, researchID, index, strategy, snapshot, state.options.AgentTimeout)
		}(i)
	}
	state.agentRuns += agentCount

	collected := make([]agentOutcome, 0, agentCount)
	for i := 0; i < agentCount; i++ {
		collected = append(collected, <-outcomes)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })

	if err := ctx.Err(); err != nil {
		return nil, models.AgentReport{}, models.ReportScore{}, fmt.Errorf("iteration %d cancelled: %w", ic.Iteration, err)
	}

	reports := make([]models.AgentReport, 0, agentCount)
	for _, outcome := range collected {
		if outcome.err == nil && outcome.report != nil {
			reports = append(reports, *outcome.report)
		}
	}

	required := (agentCount + 1) / 2
	if len(reports) < required {
		err := models.NewConsensusError(models.CodeMajorityFailure,
			fmt.Sprintf("iteration %d: only %d of %d agents succeeded, %d required", ic.Iteration, len(reports), agentCount, required)).
			WithDetail("iteration", ic.Iteration).
			WithDetail("succeeded", len(reports)).
			WithDetail("required", required)
		return nil, models.AgentReport{}, models.ReportScore{}, err
	}

	scores := e.scorer.ScoreReports(reports, state.options.ConflictThreshold)
	e.events.emit(researchID, models.EventScoringCompleted, models.ScoringCompletedPayload{
		Iteration: ic.Iteration,
		Scores:    cloneScores(scores),
	})

	selection, err := e.selector.Select(scores)
	if err != nil {
		return nil, models.AgentReport{}, models.ReportScore{}, err
	}
	winnerIndex := -1
	for i := range reports {
		if reports[i].ReportID == selection.SelectedReportID {
			winnerIndex = i
			break
		}
	}
	if winnerIndex < 0 {
		return nil, models.AgentReport{}, models.ReportScore{}, models.NewConsensusError(models.CodeSelectionError,
			fmt.Sprintf("selected report %s not found among iteration %d reports", selection.SelectedReportID, ic.Iteration))
	}
	winner := reports[winnerIndex]
	winnerScore := scores[winnerIndex]

	analysis := e.selector.AnalyzeSelection(scores, selection)
	e.events.emit(researchID, models.EventConsensusSelected, models.ConsensusSelectedPayload{
		Iteration:        ic.Iteration,
		SelectedReportID: selection.SelectedReportID,
		Reason:           selection.Reason,
		Confidence:       analysis.Confidence,
	})

	result := &models.IterationResult{
		Iteration:        ic.Iteration,
		AgentReports:     reports,
		Scores:           scores,
		ConsensusReport:  winner.Content,
		SelectionReason:  selection.Reason,
		SelectedReportID: selection.SelectedReportID,
		DurationMs:       time.Since(startTime).Milliseconds(),
	}

	e.logger.LogService("engine", "iteration", time.Since(startTime), map[string]any{
		"research_id": researchID,
		"iteration":   ic.Iteration,
		"succeeded":   len(reports),
		"failed":      agentCount - len(reports),
		"best_score":  result.BestScore(),
		"selected":    selection.SelectedReportID,
		"confidence":  analysis.Confidence,
	}, nil)
	e.events.emit(researchID, models.EventIterationCompleted, models.IterationCompletedPayload{Result: *result})

	return result, winner, winnerScore.Clone(), nil
}

// runAgent races one agent against its timeout. The agent goroutine writes to
// a buffered channel, so a late result never blocks and is dropped.
func (e *Engine) runAgent(ctx context.Context, researchID string, index int, strategy models.AgentStrategy, ic models.IterationContext, timeout time.Duration) agentOutcome {
	startTime := time.Now()
	outcome := agentOutcome{index: index, strategy: strategy}

	e.events.emit(researchID, models.EventAgentStarted, models.AgentStartedPayload{
		Iteration: ic.Iteration,
		AgentID:   strategy.AgentID,
		Strategy:  strategy.Name,
	})

	agentCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		report *models.AgentReport
		err    error
	}
	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: models.NewInternalError(models.CodeAgentPanic, fmt.Sprintf("agent %d panicked: %v", strategy.AgentID, r))}
			}
		}()
		report, err := e.newAgent(strategy).Execute(agentCtx, ic)
		done <- execResult{report: report, err: err}
	}()

	select {
	case res := <-done:
		outcome.report, outcome.err = res.report, res.err
		if outcome.err == nil && outcome.report == nil {
			outcome.err = fmt.Errorf("agent %d returned no report", strategy.AgentID)
		}
	case <-agentCtx.Done():
		outcome.err = agentCtx.Err()
	}
	if outcome.err != nil && ctx.Err() == nil && errors.Is(agentCtx.Err(), context.DeadlineExceeded) {
		outcome.report = nil
		outcome.err = models.NewTimeoutError(models.CodeAgentTimeout,
			fmt.Sprintf("agent %d exceeded %s", strategy.AgentID, timeout)).WithCause(outcome.err)
	}
	outcome.duration = time.Since(startTime)

	payload := models.AgentCompletedPayload{
		Iteration:  ic.Iteration,
		AgentID:    strategy.AgentID,
		Success:    outcome.err == nil,
		DurationMs: outcome.duration.Milliseconds(),
	}
	if outcome.err != nil {
		payload.Error = outcome.err.Error()
	} else {
		payload.ReportID = outcome.report.ReportID
	}
	e.logger.LogAgent(strategy.AgentID, ic.Iteration, "execute", outcome.duration, outcome.err)
	e.events.emit(researchID, models.EventAgentCompleted, payload)

	return outcome
}

func cloneScores(scores []models.ReportScore) []models.ReportScore {
	clones := make([]models.ReportScore, len(scores))
	for i, score := range scores {
		clones[i] = score.Clone()
	}
	return clones
}
