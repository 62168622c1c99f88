package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"consensus-research-pipeline/internal/config"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// CodeResultNotFound marks a lookup for a result that was never stored or
// has expired.
const CodeResultNotFound = "RESULT_NOT_FOUND"

type RedisService struct {
	client *redis.Client
	logger *logger.Logger
	config config.RedisConfig
}

func NewRedisService(cfg config.RedisConfig, log *logger.Logger) (*RedisService, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL : %w", err)
	}
	configureRedisOptions(opt, cfg)

	service := &RedisService{
		client: redis.NewClient(opt),
		logger: log,
		config: cfg,
	}

	if err := service.testConnection(); err != nil {
		_ = service.client.Close()
		return nil, err
	}

	log.Info("Redis Service Initialized Successfully",
		"addr", opt.Addr,
		"pool_size", cfg.PoolSize,
		"result_ttl", cfg.ResultTTL.String())

	return service, nil
}

func configureRedisOptions(opt *redis.Options, cfg config.RedisConfig) {
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.ReadTimeout > 0 {
		opt.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opt.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
}

func (service *RedisService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := service.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connection to Redis failed: %w", err)
	}
	return nil
}

func eventStreamKey(researchID string) string {
	return fmt.Sprintf("research:%s:events", researchID)
}

func resultKey(researchID string) string {
	return fmt.Sprintf("research:%s:result", researchID)
}

// PublishEvent appends an engine event to the research's stream. The payload
// is stored as a JSON string field.
func (service *RedisService) PublishEvent(ctx context.Context, event models.Event) error {
	streamName := eventStreamKey(event.ResearchID)

	values := map[string]interface{}{
		"type":        string(event.Type),
		"research_id": event.ResearchID,
		"timestamp":   event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.Payload != nil {
		payloadJSON, err := json.Marshal(event.Payload)
		if err == nil {
			values["payload"] = string(payloadJSON)
		} else {
			service.logger.WithError(err).Warn("Failed to marshal event payload")
		}
	}

	maxLen := service.config.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1024
	}

	messageID, err := service.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: values,
		MaxLen: maxLen,
		Approx: true,
	}).Result()
	if err != nil {
		service.logger.LogService("redis", "publish_event", 0, map[string]interface{}{
			"stream_name": streamName,
			"event_type":  event.Type,
		}, err)
		return models.NewExternalError("REDIS_PUBLISH_FAILED", "Failed to publish research event").WithCause(err)
	}

	service.logger.WithFields(logger.Fields{
		"stream_name": streamName,
		"message_id":  messageID,
		"event_type":  event.Type,
	}).Debug("Published research event")

	return nil
}

// ReadEvents returns up to count events from the research's stream, oldest
// first.
func (service *RedisService) ReadEvents(ctx context.Context, researchID string, count int64) ([]models.Event, error) {
	messages, err := service.client.XRangeN(ctx, eventStreamKey(researchID), "-", "+", count).Result()
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "Failed to read research events").WithCause(err)
	}

	events := make([]models.Event, 0, len(messages))
	for _, message := range messages {
		event := models.Event{ResearchID: researchID}
		if value, ok := message.Values["type"].(string); ok {
			event.Type = models.EventType(value)
		}
		if value, ok := message.Values["timestamp"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
				event.Timestamp = parsed
			}
		}
		if value, ok := message.Values["payload"].(string); ok && value != "" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(value), &payload); err == nil {
				event.Payload = payload
			}
		}
		events = append(events, event)
	}
	return events, nil
}

func (service *RedisService) StoreResult(ctx context.Context, researchID string, result *models.ConsensusResearchResult) error {
	key := resultKey(researchID)
	startTime := time.Now()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "Failed to serialize research result").WithCause(err)
	}

	if err := service.client.Set(ctx, key, resultJSON, service.config.ResultTTL).Err(); err != nil {
		service.logger.LogService("redis", "store_result", time.Since(startTime), map[string]interface{}{
			"research_id": researchID,
			"key":         key,
		}, err)
		return models.NewExternalError("REDIS_STORE_FAILED", "Failed to store research result").WithCause(err)
	}

	service.logger.LogService("redis", "store_result", time.Since(startTime), map[string]interface{}{
		"research_id": researchID,
		"bytes":       len(resultJSON),
	}, nil)

	return nil
}

func (service *RedisService) GetResult(ctx context.Context, researchID string) (*models.ConsensusResearchResult, error) {
	key := resultKey(researchID)
	startTime := time.Now()

	resultJSON, err := service.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.NewValidationError(CodeResultNotFound, "research result not found").WithDetail("research_id", researchID)
		}
		service.logger.LogService("redis", "get_result", time.Since(startTime), map[string]interface{}{
			"research_id": researchID,
			"key":         key,
		}, err)
		return nil, models.NewExternalError("REDIS_GET_FAILED", "Failed to get research result").WithCause(err)
	}

	var result models.ConsensusResearchResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, models.NewInternalError("DESERIALIZATION_FAILED", "Failed to deserialize research result").WithCause(err)
	}

	service.logger.LogService("redis", "get_result", time.Since(startTime), map[string]interface{}{
		"research_id": researchID,
	}, nil)

	return &result, nil
}

// EventSink returns an engine subscriber that forwards every event to the
// stream. Publish failures are logged and never reach the engine.
func (service *RedisService) EventSink(timeout time.Duration) func(models.Event) {
	return func(event models.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := service.PublishEvent(ctx, event); err != nil {
			service.logger.WithError(err).Warn("Dropping research event")
		}
	}
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	if err := service.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis Connection Unhealthy: %w", err)
	}
	return nil
}

func (service *RedisService) Close() error {
	service.logger.Info("Closing Redis Service")
	if err := service.client.Close(); err != nil {
		return fmt.Errorf("close redis failed: %w", err)
	}
	service.logger.Info("Redis Service Closed Successfully")
	return nil
}
