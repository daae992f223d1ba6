// Package server exposes search, indexing and resume registration over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/filtering"
	"github.com/spigell/posting-matcher/internal/health"
	"github.com/spigell/posting-matcher/internal/index"
	"github.com/spigell/posting-matcher/internal/logger"
	"github.com/spigell/posting-matcher/internal/matcher"
	"github.com/spigell/posting-matcher/internal/metrics"
	"github.com/spigell/posting-matcher/internal/resume"
)

const shutdownTimeout = 30 * time.Second

// Index is the part of the index service the API drives.
type Index interface {
	IsReady() bool
	Indexing() bool
	AddResume(ctx context.Context, sessionID string, r *resume.Resume) (string, error)
	Counts(ctx context.Context) (map[string]int, error)
	LastReport() *index.Report
}

// Reindexer starts a background indexing run.
type Reindexer interface {
	Reindex(ctx context.Context, force bool) (<-chan index.Outcome, error)
}

type Searcher interface {
	Match(ctx context.Context, req matcher.Request) (*matcher.Response, error)
	Filters() ([]filtering.Status, error)
}

type Deps struct {
	Index     Index
	Reindexer Reindexer
	Searcher  Searcher
	Health    *health.Checker
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Server struct {
	addr    string
	engine  *gin.Engine
	deps    Deps
	logger  *zap.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(addr string, deps Deps) *Server {
	log := logger.ForComponent(deps.Logger, "server")
	if deps.Health == nil {
		deps.Health = health.NewChecker(deps.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:    addr,
		engine:  gin.New(),
		deps:    deps,
		logger:  log,
		baseCtx: ctx,
		cancel:  cancel,
	}

	s.engine.Use(gin.Recovery(), requestID(), accessLog(log, deps.Metrics))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health/live", gin.WrapF(s.deps.Health.LiveHandler()))
	s.engine.GET("/health/ready", gin.WrapF(s.deps.Health.ReadyHandler()))
	s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	api := s.engine.Group("/api")
	api.POST("/search", s.search)
	api.GET("/status", s.status)
	api.POST("/index", s.reindex)
	api.POST("/resumes", s.addResume)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}
