package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/config"
	"consensus-research-pipeline/internal/engine"
	"consensus-research-pipeline/internal/handlers"
	"consensus-research-pipeline/internal/pkg/logger"
	"consensus-research-pipeline/internal/services"

	"github.com/gin-gonic/gin"
)

const (
	shutdownTimeout  = 30 * time.Second
	eventSinkTimeout = 2 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "consensus research service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	strategies := agent.DefaultStrategies
	if cfg.Research.StrategiesFile != "" {
		strategies, err = config.LoadStrategies(cfg.Research.StrategiesFile)
		if err != nil {
			return err
		}
		log.Info("Loaded agent strategies", "file", cfg.Research.StrategiesFile, "count", len(strategies))
	}

	searcher, err := services.NewSearchService(cfg.Search, log)
	if err != nil {
		return fmt.Errorf("init search service: %w", err)
	}
	scraper, err := services.NewScraperService(cfg.Scraper, log)
	if err != nil {
		return fmt.Errorf("init scraper service: %w", err)
	}

	researchEngine := engine.NewWithCollaborators(agent.Collaborators{
		Searcher:  searcher,
		Scraper:   scraper,
		Analyzer:  services.NewTextAnalyzer(),
		Extractor: services.NewEntityExtractor(),
		Generator: services.NewMarkdownReportGenerator(),
	}, engine.Options{
		AgentCount:           cfg.Research.AgentCount,
		IterationCount:       cfg.Research.IterationCount,
		AgentTimeout:         cfg.Research.AgentTimeout,
		ConflictThreshold:    cfg.Research.ConflictThreshold,
		ImprovementThreshold: cfg.Research.ImprovementThreshold,
		Strategies:           strategies,
	}, log)

	checks := map[string]handlers.HealthChecker{"search": searcher}

	var store handlers.ResultStore
	if cfg.Redis.Enabled {
		redisService, err := services.NewRedisService(cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("init redis service: %w", err)
		}
		defer redisService.Close()

		researchEngine.SubscribeAll(redisService.EventSink(eventSinkTimeout))
		store = redisService
		checks["redis"] = redisService
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestID(), handlers.RequestLogger(log))
	handlers.NewResearchHandler(researchEngine, store, checks, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	if err := researchEngine.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Research engine did not drain before shutdown")
	}

	log.Info("Service stopped")
	return nil
}
