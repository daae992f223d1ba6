// Package scheduler runs periodic forced reindexing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/apperrors"
	"github.com/spigell/posting-matcher/internal/index"
	"github.com/spigell/posting-matcher/internal/logger"
)

const reindexTag = "reindex"

// Reindexer starts a background indexing run.
type Reindexer interface {
	Reindex(ctx context.Context, force bool) (<-chan index.Outcome, error)
}

type Scheduler struct {
	scheduler *gocron.Scheduler
	reindexer Reindexer
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(r Reindexer, log *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()

	return &Scheduler{
		scheduler: s,
		reindexer: r,
		logger:    logger.ForComponent(log, "scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ScheduleReindex registers a forced reindex every interval. The first run
// happens one interval after Start.
func (s *Scheduler) ScheduleReindex(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reindex interval must be positive, got %s", interval)
	}

	_, err := s.scheduler.Every(interval).WaitForSchedule().Tag(reindexTag).Do(s.reindex)
	if err != nil {
		return fmt.Errorf("schedule reindex: %w", err)
	}

	s.logger.Info("periodic reindex scheduled", zap.Duration("interval", interval))
	return nil
}

func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	s.cancel()
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.scheduler.Jobs())
}

// reindex waits for the run to finish so overlapping ticks are skipped by the
// index service rather than queued.
func (s *Scheduler) reindex() error {
	outcomes, err := s.reindexer.Reindex(s.ctx, true)
	if err != nil {
		if errors.Is(err, apperrors.ErrIndexingInFlight) {
			s.logger.Info("skipping scheduled reindex", zap.String("reason", "indexing already in progress"))
			return nil
		}
		s.logger.Error("scheduled reindex failed to start", zap.Error(err))
		return err
	}

	select {
	case outcome := <-outcomes:
		if outcome.Err != nil {
			s.logger.Error("scheduled reindex failed", zap.Error(outcome.Err))
			return outcome.Err
		}
		s.logger.Info("scheduled reindex finished",
			zap.Int("postings", outcome.Report.Postings),
			zap.Int("chunks", outcome.Report.Chunks),
			zap.Duration("took", outcome.Report.Duration),
		)
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}
