package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/consensus"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"
	"consensus-research-pipeline/internal/workflow"
)

// AgentFactory builds the agent that runs one strategy.
type AgentFactory func(strategy models.AgentStrategy) agent.Agent

type reportScorer interface {
	ScoreReports(reports []models.AgentReport, conflictThreshold float64) []models.ReportScore
}

// Engine runs iterative multi-agent research. One engine runs one research
// at a time; concurrent Research calls fail with ENGINE_BUSY.
type Engine struct {
	newAgent  AgentFactory
	defaults  Options
	scorer    reportScorer
	selector  *consensus.Selector
	scheduler *workflow.Scheduler
	events    *eventBus
	logger    *logger.Logger

	mu      sync.Mutex
	running bool
	current *models.ResearchRun

	startTime     time.Time
	completedRuns int
	failedRuns    int
}

// runState is the per-call state owned by the goroutine running Research.
type runState struct {
	run        *models.ResearchRun
	options    Options
	config     models.ResearchConfig
	history    []models.IterationResult
	agentRuns  int
	warnings   []string
	terminated bool
}

func New(factory AgentFactory, defaults Options, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	engine := &Engine{
		newAgent:  factory,
		defaults:  merge(DefaultOptions(), defaults),
		scorer:    consensus.NewScorer(),
		selector:  consensus.NewSelector(),
		scheduler: workflow.NewScheduler(4, log),
		events:    newEventBus(log),
		logger:    log,
		startTime: time.Now(),
	}

	log.Info("Research engine initialized",
		"agent_count", engine.defaults.AgentCount,
		"iteration_count", engine.defaults.IterationCount,
		"agent_timeout", engine.defaults.AgentTimeout.String(),
		"strategies", len(engine.defaults.Strategies))

	return engine
}

// NewWithCollaborators wires the default ResearchAgent for every strategy.
func NewWithCollaborators(collaborators agent.Collaborators, defaults Options, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	return New(func(strategy models.AgentStrategy) agent.Agent {
		return agent.NewResearchAgent(strategy, collaborators, log)
	}, defaults, log)
}

// Subscribe registers handler for one event type.
func (e *Engine) Subscribe(eventType models.EventType, handler Handler) SubscriptionID {
	return e.events.subscribe(eventType, handler)
}

// SubscribeAll registers handler for every event type.
func (e *Engine) SubscribeAll(handler Handler) SubscriptionID {
	return e.events.subscribe("", handler)
}

func (e *Engine) Unsubscribe(id SubscriptionID) bool {
	return e.events.unsubscribe(id)
}

// Research runs up to IterationCount iterations on topic and assembles the
// final report.
func (e *Engine) Research(ctx context.Context, topic string, opts Options) (*models.ConsensusResearchResult, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, invalidOptions("topic must not be empty")
	}
	options := merge(e.defaults, opts)
	if err := options.validate(); err != nil {
		return nil, err
	}

	run := models.NewResearchRun(options.ResearchID, topic)
	if err := e.acquire(run); err != nil {
		return nil, err
	}
	defer e.release()

	state := &runState{run: run, options: options, config: options.researchConfig()}
	startTime := time.Now()

	e.logger.LogWorkflow(run.ID, topic, "research_started", 0, nil)
	e.events.emit(run.ID, models.EventResearchStarted, models.ResearchStartedPayload{Topic: topic, Config: state.config})

	result, err := e.execute(ctx, state)
	duration := time.Since(startTime)
	if err != nil {
		e.setStatus(func(r *models.ResearchRun) { r.MarkFailed(err) })
		e.recordOutcome(false)
		e.logger.LogWorkflow(run.ID, topic, "research_failed", duration, err)
		e.events.emit(run.ID, models.EventResearchFailed, models.ResearchFailedPayload{
			Iteration: e.currentIteration(),
			Code:      errorCode(err),
			Error:     err.Error(),
		})
		return nil, err
	}

	e.setStatus(func(r *models.ResearchRun) { r.MarkCompleted() })
	e.recordOutcome(true)
	e.logger.LogWorkflow(run.ID, topic, "research_completed", duration, nil)
	e.events.emit(run.ID, models.EventResearchCompleted, models.ResearchCompletedPayload{
		Iterations:      len(result.Iterations),
		TotalDurationMs: result.TotalDurationMs,
		FinalScore:      result.FinalScore,
	})
	return result, nil
}

func (e *Engine) execute(ctx context.Context, state *runState) (*models.ConsensusResearchResult, error) {
	startedAt := time.Now()
	ic := *models.NewInitialIterationContext(state.run.Topic)

	for i := 1; i <= state.options.IterationCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("research cancelled before iteration %d: %w", i, err)
		}
		ic.Iteration = i
		e.setStatus(func(r *models.ResearchRun) { r.MarkRunning(i) })
		e.events.emit(state.run.ID, models.EventIterationStarted, models.IterationStartedPayload{Iteration: i, Context: ic.Snapshot()})

		result, winner, score, err := e.runIteration(ctx, state, ic)
		if err != nil {
			return nil, err
		}
		state.history = append(state.history, *result)

		if i >= 2 && shouldTerminate(state.history, state.options.ImprovementThreshold) {
			state.terminated = true
			e.logger.Info("Stopping early, improvement converged",
				"research_id", state.run.ID, "iteration", i, "threshold_percent", state.options.ImprovementThreshold)
			break
		}
		ic = NextContext(ic, winner, score)
	}

	e.setStatus(func(r *models.ResearchRun) { r.MarkFinalizing() })

	finalReport, warnings, err := e.buildFinalReport(ctx, reportInput{
		topic:           state.run.Topic,
		config:          state.config,
		history:         state.history,
		terminatedEarly: state.terminated,
	})
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		e.logger.Warn("Diagram conversion", "research_id", state.run.ID, "warning", warning)
	}
	state.warnings = append(state.warnings, warnings...)

	last := state.history[len(state.history)-1]
	var finalScore *models.ReportScore
	if selected, ok := last.SelectedScore(); ok {
		clone := selected.Clone()
		finalScore = &clone
	}

	completedAt := time.Now()
	return &models.ConsensusResearchResult{
		FinalReport:     finalReport,
		Iterations:      state.history,
		TotalDurationMs: completedAt.Sub(startedAt).Milliseconds(),
		TotalAgentRuns:  state.agentRuns,
		FinalScore:      finalScore,
		Metadata: models.ResearchMetadata{
			ResearchID:  state.run.ID,
			Topic:       state.run.Topic,
			StartedAt:   startedAt,
			CompletedAt: completedAt,
			Config:      state.config,
			Warnings:    state.warnings,
		},
	}, nil
}

func (e *Engine) acquire(run *models.ResearchRun) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return models.NewConflictError(models.CodeEngineBusy, "a research run is already in progress").
			WithDetail("research_id", e.current.ID)
	}
	e.running = true
	e.current = run
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}

func (e *Engine) setStatus(update func(*models.ResearchRun)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		update(e.current)
	}
}

func (e *Engine) currentIteration() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return 0
	}
	return e.current.CurrentIteration
}

func (e *Engine) recordOutcome(success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		e.completedRuns++
	} else {
		e.failedRuns++
	}
}

// Status returns a copy of the current or most recent run.
func (e *Engine) Status() (models.ResearchRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return models.ResearchRun{}, false
	}
	return *e.current, true
}

func (e *Engine) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) GetStats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := map[string]any{
		"service":        "research_engine",
		"uptime_seconds": time.Since(e.startTime).Seconds(),
		"busy":           e.running,
		"completed_runs": e.completedRuns,
		"failed_runs":    e.failedRuns,
		"subscribers":    e.events.count(),
		"agent_count":    e.defaults.AgentCount,
		"iterations":     e.defaults.IterationCount,
	}
	if e.current != nil {
		stats["last_research_id"] = e.current.ID
		stats["last_status"] = e.current.Status
	}
	return stats
}

// Close waits for an in-flight research to finish, up to ctx.
func (e *Engine) Close(ctx context.Context) error {
	e.logger.Info("Research engine shutting down")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !e.IsBusy() {
			e.logger.Info("Research engine closed")
			return nil
		}
		select {
		case <-ctx.Done():
			e.logger.Warn("Timeout waiting for research run to complete")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func errorCode(err error) string {
	for _, code := range []string{
		models.CodeMajorityFailure,
		models.CodeSelectionError,
		models.CodeReportAssembly,
		models.CodeInvalidOptions,
	} {
		if models.IsCode(err, code) {
			return code
		}
	}
	return ""
}
