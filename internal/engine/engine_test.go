package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/consensus"
	"consensus-research-pipeline/internal/engine"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type agentFunc func(ctx context.Context, ic models.IterationContext) (*models.AgentReport, error)

func (f agentFunc) Execute(ctx context.Context, ic models.IterationContext) (*models.AgentReport, error) {
	return f(ctx, ic)
}

var agentDomains = map[int]string{1: "energy.gov", 2: "mit.edu", 3: "example.org"}

func makeReport(strategy models.AgentStrategy, ic models.IterationContext) *models.AgentReport {
	domain := agentDomains[strategy.AgentID]
	if domain == "" {
		domain = "example.net"
	}
	url := fmt.Sprintf("https://%s/%s/iteration-%d", domain, strings.ReplaceAll(ic.Topic, " ", "-"), ic.Iteration)
	content := fmt.Sprintf(`# Research Report: %s
## Key Findings
- Agent %d notes that %s adoption is accelerating across regions.
- Grid storage investment trends hold in round %d.
Source: %s
## Future Work
- How will recycling capacity scale?
`, ic.Topic, strategy.AgentID, ic.Topic, ic.Iteration, url)

	return &models.AgentReport{
		AgentID:     strategy.AgentID,
		ReportID:    fmt.Sprintf("report-%d-%d", ic.Iteration, strategy.AgentID),
		Content:     content,
		Sources:     []models.SourceReference{{URL: url, Title: domain, ReliabilityScore: consensus.ScoreURL(url)}},
		Strategy:    strategy,
		GeneratedAt: time.Now(),
	}
}

func succeeding(strategy models.AgentStrategy) agent.Agent {
	return agentFunc(func(ctx context.Context, ic models.IterationContext) (*models.AgentReport, error) {
		return makeReport(strategy, ic), nil
	})
}

func testOptions() engine.Options {
	return engine.Options{
		AgentCount:     3,
		IterationCount: 3,
		AgentTimeout:   time.Second,
		Strategies:     agent.DefaultStrategies,
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) record(event models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) ofType(eventType models.EventType) []models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Event
	for _, event := range l.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func TestResearchEndToEnd(t *testing.T) {
	e := engine.New(succeeding, testOptions(), logger.NewNop())
	log := &eventLog{}
	e.SubscribeAll(log.record)

	result, err := e.Research(context.Background(), "battery storage", engine.Options{})
	require.NoError(t, err)

	require.Len(t, result.Iterations, 3)
	assert.Equal(t, 9, result.TotalAgentRuns)
	require.NotNil(t, result.FinalScore)
	assert.Equal(t, result.Iterations[2].SelectedReportID, result.FinalScore.ReportID)

	assert.Contains(t, result.FinalReport, "# Consensus Research Report: battery storage")
	assert.Contains(t, result.FinalReport, "## Executive Summary")
	assert.Contains(t, result.FinalReport, "3 iteration(s)")
	assert.Equal(t, 3, strings.Count(result.FinalReport, "\n- Iteration "))
	assert.Contains(t, result.FinalReport, "## Key Findings")
	assert.Contains(t, result.FinalReport, "(reliability 95%)")

	assert.Equal(t, "battery storage", result.Metadata.Topic)
	assert.NotEmpty(t, result.Metadata.ResearchID)

	assert.Len(t, log.ofType(models.EventResearchStarted), 1)
	assert.Len(t, log.ofType(models.EventIterationStarted), 3)
	assert.Len(t, log.ofType(models.EventAgentStarted), 9)
	assert.Len(t, log.ofType(models.EventAgentCompleted), 9)
	assert.Len(t, log.ofType(models.EventScoringCompleted), 3)
	assert.Len(t, log.ofType(models.EventConsensusSelected), 3)
	assert.Len(t, log.ofType(models.EventIterationCompleted), 3)
	assert.Len(t, log.ofType(models.EventResearchCompleted), 1)
	assert.Empty(t, log.ofType(models.EventResearchFailed))

	assert.Equal(t, models.EventResearchStarted, log.events[0].Type)
	assert.Equal(t, models.EventResearchCompleted, log.events[len(log.events)-1].Type)

	run, ok := e.Status()
	require.True(t, ok)
	assert.Equal(t, models.RunStatusDone, run.Status)
}

func TestResearchCoveredSourcesOnlyGrow(t *testing.T) {
	e := engine.New(succeeding, testOptions(), logger.NewNop())
	var contexts []models.IterationContext
	e.Subscribe(models.EventIterationStarted, func(event models.Event) {
		contexts = append(contexts, event.Payload.(models.IterationStartedPayload).Context)
	})

	_, err := e.Research(context.Background(), "solar", engine.Options{})
	require.NoError(t, err)
	require.Len(t, contexts, 3)

	assert.True(t, contexts[0].IsInitial)
	assert.Empty(t, contexts[0].CoveredSources)
	for i := 1; i < len(contexts); i++ {
		prev, cur := contexts[i-1].CoveredSources, contexts[i].CoveredSources
		assert.False(t, contexts[i].IsInitial)
		assert.Greater(t, len(cur), len(prev))
		assert.Equal(t, prev, cur[:len(prev)])
		assert.NotEmpty(t, contexts[i].PreviousConsensus)
		assert.Contains(t, contexts[i].UnresolvedQuestions, "How will recycling capacity scale?")
	}
}

func TestResearchMajorityThreshold(t *testing.T) {
	tests := []struct {
		name      string
		succeed   map[int]bool
		wantError bool
	}{
		{"one of three fails the iteration", map[int]bool{1: true}, true},
		{"two of three pass", map[int]bool{1: true, 2: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := func(strategy models.AgentStrategy) agent.Agent {
				return agentFunc(func(ctx context.Context, ic models.IterationContext) (*models.AgentReport, error) {
					if !tt.succeed[strategy.AgentID] {
						return nil, errors.New("search backend unavailable")
					}
					return makeReport(strategy, ic), nil
				})
			}
			e := engine.New(factory, testOptions(), logger.NewNop())
			log := &eventLog{}
			e.SubscribeAll(log.record)

			result, err := e.Research(context.Background(), "wind power", engine.Options{IterationCount: 1})
			if tt.wantError {
				require.Error(t, err)
				assert.True(t, models.IsCode(err, models.CodeMajorityFailure))
				assert.Nil(t, result)
				failed := log.ofType(models.EventResearchFailed)
				require.Len(t, failed, 1)
				assert.Equal(t, models.CodeMajorityFailure, failed[0].Payload.(models.ResearchFailedPayload).Code)

				run, _ := e.Status()
				assert.Equal(t, models.RunStatusFailed, run.Status)
				return
			}
			require.NoError(t, err)
			require.Len(t, result.Iterations, 1)
			assert.Len(t, result.Iterations[0].AgentReports, 2)
		})
	}
}

func TestResearchAgentTimeoutCountsAsFailure(t *testing.T) {
	factory := func(strategy models.AgentStrategy) agent.Agent {
		return agentFunc(func(ctx context.Context, ic models.IterationContext) (*models.AgentReport, error) {
			if strategy.AgentID == 3 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return makeReport(strategy, ic), nil
		})
	}
	e := engine.New(factory, testOptions(), logger.NewNop())
	log := &eventLog{}
	e.Subscribe(models.EventAgentCompleted, log.record)

	result, err := e.Research(context.Background(), "hydrogen", engine.Options{IterationCount: 1, AgentTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Len(t, result.Iterations[0].AgentReports, 2)

	var timedOut []models.AgentCompletedPayload
	for _, event := range log.ofType(models.EventAgentCompleted) {
		payload := event.Payload.(models.AgentCompletedPayload)
		if !payload.Success {
			timedOut = append(timedOut, payload)
		}
	}
	require.Len(t, timedOut, 1)
	assert.Equal(t, 3, timedOut[0].AgentID)
	assert.Contains(t, timedOut[0].Error, models.CodeAgentTimeout)
}

func TestResearchRecoversPanickingAgent(t *testing.T) {
	factory := func(strategy models.AgentStrategy) agent.Agent {
		return agentFunc(func(ctx context.Context, ic models.IterationContext) (*models.AgentReport, error) {
			if strategy.AgentID == 2 {
				panic("nil map")
			}
			return makeReport(strategy, ic), nil
		})
	}
	e := engine.New(factory, testOptions(), logger.NewNop())

	result, err := e.Research(context.Background(), "geothermal", engine.Options{IterationCount: 1})
	require.NoError(t, err)
	assert.Len(t, result.Iterations[0].AgentReports, 2)
}

func TestResearchRejectsConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	factory := func(strategy models.AgentStrategy) agent.Agent {
		return agentFunc(func(ctx context.Context, ic models.IterationContext) (*models.AgentReport, error) {
			<-release
			return makeReport(strategy, ic), nil
		})
	}
	e := engine.New(factory, testOptions(), logger.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := e.Research(context.Background(), "nuclear", engine.Options{IterationCount: 1})
		done <- err
	}()

	require.Eventually(t, e.IsBusy, time.Second, 5*time.Millisecond)

	_, err := e.Research(context.Background(), "nuclear", engine.Options{IterationCount: 1})
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodeEngineBusy))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, e.IsBusy())

	_, err = e.Research(context.Background(), "nuclear", engine.Options{IterationCount: 1})
	assert.NoError(t, err)
}

func TestResearchValidatesOptions(t *testing.T) {
	e := engine.New(succeeding, testOptions(), logger.NewNop())

	tests := []struct {
		name  string
		topic string
		opts  engine.Options
	}{
		{"empty topic", "  ", engine.Options{}},
		{"negative agents", "x", engine.Options{AgentCount: -1}},
		{"negative iterations", "x", engine.Options{IterationCount: -2}},
		{"negative timeout", "x", engine.Options{AgentTimeout: -time.Second}},
		{"threshold above one", "x", engine.Options{ConflictThreshold: 1.5}},
		{"negative improvement", "x", engine.Options{ImprovementThreshold: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Research(context.Background(), tt.topic, tt.opts)
			require.Error(t, err)
			assert.True(t, models.IsCode(err, models.CodeInvalidOptions))
		})
	}
	assert.False(t, e.IsBusy())
}

func TestResearchHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	factory := func(strategy models.AgentStrategy) agent.Agent {
		return agentFunc(func(agentCtx context.Context, ic models.IterationContext) (*models.AgentReport, error) {
			cancel()
			<-agentCtx.Done()
			return nil, agentCtx.Err()
		})
	}
	e := engine.New(factory, testOptions(), logger.NewNop())

	_, err := e.Research(ctx, "tidal", engine.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, e.IsBusy())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := engine.New(succeeding, testOptions(), logger.NewNop())
	log := &eventLog{}
	id := e.SubscribeAll(log.record)
	assert.True(t, e.Unsubscribe(id))
	assert.False(t, e.Unsubscribe(id))

	_, err := e.Research(context.Background(), "biofuel", engine.Options{IterationCount: 1})
	require.NoError(t, err)
	assert.Empty(t, log.events)
}

func TestPanickingSubscriberDoesNotBreakResearch(t *testing.T) {
	e := engine.New(succeeding, testOptions(), logger.NewNop())
	e.Subscribe(models.EventIterationCompleted, func(models.Event) { panic("subscriber bug") })
	log := &eventLog{}
	e.Subscribe(models.EventIterationCompleted, log.record)

	_, err := e.Research(context.Background(), "biofuel", engine.Options{IterationCount: 2})
	require.NoError(t, err)
	assert.Len(t, log.events, 2)
}

func TestCloseWaitsForRun(t *testing.T) {
	e := engine.New(succeeding, testOptions(), logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, e.Close(ctx))
	assert.Equal(t, false, e.GetStats()["busy"])
}
