package services_test

import (
	"context"
	"os"
	"testing"
	"time"

	"consensus-research-pipeline/internal/config"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"
	"consensus-research-pipeline/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to REDIS_TEST_URL (database 15 by default) and skips
// the test when no server is reachable.
func newTestRedis(t *testing.T) *services.RedisService {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	service, err := services.NewRedisService(config.RedisConfig{
		URL:          url,
		PoolSize:     2,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		ResultTTL:    time.Minute,
		StreamMaxLen: 100,
	}, logger.NewNop())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })
	return service
}

func TestRedisStoresAndReadsResults(t *testing.T) {
	service := newTestRedis(t)
	ctx := context.Background()
	researchID := models.GenerateResearchID()

	result := &models.ConsensusResearchResult{
		FinalReport:    "# Consensus Research Report: grid storage\n",
		TotalAgentRuns: 9,
		FinalScore:     &models.ReportScore{ReportID: "r-3-1", TotalScore: 0.82},
		Metadata:       models.ResearchMetadata{ResearchID: researchID, Topic: "grid storage"},
	}
	require.NoError(t, service.StoreResult(ctx, researchID, result))

	stored, err := service.GetResult(ctx, researchID)
	require.NoError(t, err)
	assert.Equal(t, result.FinalReport, stored.FinalReport)
	assert.Equal(t, 9, stored.TotalAgentRuns)
	require.NotNil(t, stored.FinalScore)
	assert.InDelta(t, 0.82, stored.FinalScore.TotalScore, 1e-9)

	_, err = service.GetResult(ctx, "missing-"+researchID)
	assert.True(t, models.IsCode(err, services.CodeResultNotFound))
}

func TestRedisPublishesEvents(t *testing.T) {
	service := newTestRedis(t)
	ctx := context.Background()
	researchID := models.GenerateResearchID()

	sink := service.EventSink(time.Second)
	sink(models.Event{Type: models.EventResearchStarted, ResearchID: researchID, Timestamp: time.Now(), Payload: models.ResearchStartedPayload{Topic: "grid storage"}})
	sink(models.Event{Type: models.EventIterationStarted, ResearchID: researchID, Timestamp: time.Now(), Payload: models.IterationStartedPayload{Iteration: 1}})

	events, err := service.ReadEvents(ctx, researchID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventResearchStarted, events[0].Type)
	assert.Equal(t, models.EventIterationStarted, events[1].Type)
	payload, ok := events[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "grid storage", payload["topic"])
}

func TestRedisHealthCheck(t *testing.T) {
	service := newTestRedis(t)
	assert.NoError(t, service.HealthCheck(context.Background()))
}
