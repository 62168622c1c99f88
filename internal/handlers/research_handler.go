package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"consensus-research-pipeline/internal/engine"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	codeResultNotFound  = "RESULT_NOT_FOUND"
	codeStoreDisabled   = "RESULT_STORE_DISABLED"
	codeInvalidRequest  = "INVALID_REQUEST"
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "request_id"
	healthCheckTimeout  = 2 * time.Second
)

// Researcher is the part of the engine the handler drives.
type Researcher interface {
	Research(ctx context.Context, topic string, opts engine.Options) (*models.ConsensusResearchResult, error)
	IsBusy() bool
	GetStats() map[string]any
}

// ResultStore persists finished results. It may be nil when storage is
// disabled.
type ResultStore interface {
	StoreResult(ctx context.Context, researchID string, result *models.ConsensusResearchResult) error
	GetResult(ctx context.Context, researchID string) (*models.ConsensusResearchResult, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type ResearchHandler struct {
	researcher Researcher
	store      ResultStore
	checks     map[string]HealthChecker
	logger     *logger.Logger
}

func NewResearchHandler(researcher Researcher, store ResultStore, checks map[string]HealthChecker, log *logger.Logger) *ResearchHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ResearchHandler{
		researcher: researcher,
		store:      store,
		checks:     checks,
		logger:     log,
	}
}

func (h *ResearchHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/research", h.StartResearch)
	router.GET("/research/:id", h.GetResearchResult)
	router.GET("/health", h.Health)
}

// RequestID tags every request with an ID, reusing the caller's header when
// present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = models.GenerateRequestID()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// RequestLogger logs one line per request through the service logger.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		var err error
		if last := c.Errors.Last(); last != nil {
			err = last.Err
		}
		log.LogService("http", c.Request.Method+" "+c.FullPath(), time.Since(startTime), map[string]any{
			"status":     c.Writer.Status(),
			"request_id": c.GetString(requestIDContextKey),
			"client_ip":  c.ClientIP(),
		}, err)
	}
}

// StartResearch runs a research synchronously and returns its result.
func (h *ResearchHandler) StartResearch(c *gin.Context) {
	requestID := h.requestID(c)

	var req models.ResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, models.NewValidationError(codeInvalidRequest, "invalid research request").WithCause(err))
		return
	}

	if h.researcher.IsBusy() {
		h.writeError(c, models.NewConflictError(models.CodeEngineBusy, "a research run is already in progress"))
		return
	}

	opts := optionsFromRequest(req)
	if opts.ResearchID == "" {
		opts.ResearchID = models.GenerateResearchID()
	}

	h.logger.Info("Research request received",
		"research_id", opts.ResearchID,
		"request_id", requestID,
		"topic", req.Topic)

	startTime := time.Now()
	result, err := h.researcher.Research(c.Request.Context(), req.Topic, opts)
	if err != nil {
		_ = c.Error(err)
		h.writeError(c, err)
		return
	}

	if h.store != nil {
		if err := h.store.StoreResult(c.Request.Context(), opts.ResearchID, result); err != nil {
			h.logger.WithError(err).Warn("Failed to store research result")
		}
	}

	response := models.NewResearchResponse(opts.ResearchID, requestID, models.RunStatusDone, "research completed")
	totalTime := float64(time.Since(startTime).Milliseconds())
	response.TotalTime = &totalTime
	response.Result = result

	c.JSON(http.StatusOK, models.APIResponse{
		Success:   true,
		Message:   response.Message,
		Data:      response,
		RequestID: requestID,
		Timestamp: time.Now(),
	})
}

func (h *ResearchHandler) GetResearchResult(c *gin.Context) {
	researchID := c.Param("id")
	if h.store == nil {
		h.writeError(c, models.NewValidationError(codeStoreDisabled, "result storage is disabled"))
		return
	}

	result, err := h.store.GetResult(c.Request.Context(), researchID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success:   true,
		Data:      result,
		RequestID: h.requestID(c),
		Timestamp: time.Now(),
	})
}

func (h *ResearchHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check.HealthCheck(ctx); err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
		"engine":     h.researcher.GetStats(),
		"timestamp":  time.Now(),
	})
}

func optionsFromRequest(req models.ResearchRequest) engine.Options {
	opts := engine.Options{
		ResearchID:     req.ResearchID,
		AgentCount:     req.AgentCount,
		IterationCount: req.IterationCount,
		AgentTimeout:   time.Duration(req.AgentTimeoutSeconds) * time.Second,
	}
	if req.ConflictThreshold != nil {
		opts.ConflictThreshold = *req.ConflictThreshold
	}
	if req.ImprovementThreshold != nil {
		opts.ImprovementThreshold = *req.ImprovementThreshold
	}
	return opts
}

func (h *ResearchHandler) requestID(c *gin.Context) string {
	if requestID := c.GetString(requestIDContextKey); requestID != "" {
		return requestID
	}
	return models.GenerateRequestID()
}

func (h *ResearchHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	appErr := &models.AppError{}
	if errors.As(err, &appErr) {
		status = statusFor(appErr)
	} else {
		appErr = models.NewInternalError("INTERNAL_ERROR", "research failed").WithCause(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
			appErr = models.NewTimeoutError("REQUEST_CANCELLED", "request cancelled before research completed").WithCause(err)
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("Research request failed")
	}

	c.AbortWithStatusJSON(status, models.APIResponse{
		Success:   false,
		Message:   appErr.Message,
		Error:     appErr,
		RequestID: h.requestID(c),
		Timestamp: time.Now(),
	})
}

func statusFor(appErr *models.AppError) int {
	switch {
	case appErr.Code == codeResultNotFound || appErr.Code == codeStoreDisabled:
		return http.StatusNotFound
	case appErr.Type == models.ErrorTypeValidation:
		return http.StatusBadRequest
	case appErr.Type == models.ErrorTypeConflict:
		return http.StatusConflict
	case appErr.Type == models.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case appErr.Type == models.ErrorTypeExternal, appErr.Type == models.ErrorTypeConsensus:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
