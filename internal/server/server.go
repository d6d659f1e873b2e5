package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/config"
	"github.com/accproxy/accproxy/internal/journal"
	"github.com/accproxy/accproxy/internal/pipeline"
)

// Server owns the HTTP listeners and the shutdown sequence.
type Server struct {
	cfg          *config.Config
	logger       *zap.Logger
	db           *gorm.DB
	rdb          *redis.Client
	pipeline     *pipeline.Pipeline
	journal      *journal.Writer
	journalStore journal.Store

	httpSrv    *http.Server
	metricsSrv *http.Server
}

// Deps carries the server's collaborators, constructed at boot.
type Deps struct {
	Config       *config.Config
	Logger       *zap.Logger
	DB           *gorm.DB
	Redis        *redis.Client
	Pipeline     *pipeline.Pipeline
	Journal      *journal.Writer
	JournalStore journal.Store
}

func New(deps Deps) *Server {
	s := &Server{
		cfg:          deps.Config,
		logger:       deps.Logger.Named("server"),
		db:           deps.DB,
		rdb:          deps.Redis,
		pipeline:     deps.Pipeline,
		journal:      deps.Journal,
		journalStore: deps.JournalStore,
	}

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.Server.Port),
		Handler:      s.buildRouter(),
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}
	s.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", deps.Config.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	return s
}

// Run serves until the context is cancelled, then shuts down
// gracefully: stop accepting, drain in-flight requests, drain the
// journal queue.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		s.logger.Info("metrics listening", zap.String("addr", s.metricsSrv.Addr))
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down",
		zap.Duration("grace", s.cfg.Server.GracefulShutdown))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.GracefulShutdown)
	defer cancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown incomplete", zap.Error(err))
	}
	if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("metrics shutdown incomplete", zap.Error(err))
	}

	// Accounting records must not be lost; give the journal its own
	// slice of the grace period.
	if s.journal != nil {
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelDrain()
		if err := s.journal.Shutdown(drainCtx); err != nil {
			s.logger.Error("journal drain incomplete",
				zap.Int("pending", s.journal.Pending()),
				zap.Error(err))
			return err
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
