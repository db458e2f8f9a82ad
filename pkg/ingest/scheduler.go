package ingest

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs periodic full resyncs on a cron schedule, catching
// changes the watcher missed while down.
type Scheduler struct {
	coordinator *Coordinator
	userID      string
	cron        *cron.Cron
	logger      zerolog.Logger
}

// NewScheduler creates a scheduler that resyncs every project for
// userID on expr (standard five-field cron syntax).
func NewScheduler(coordinator *Coordinator, userID, expr string, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		coordinator: coordinator,
		userID:      userID,
		cron:        cron.New(),
		logger:      logger.With().Str("component", "resync_scheduler").Logger(),
	}

	if _, err := s.cron.AddFunc(expr, s.run); err != nil {
		return nil, fmt.Errorf("invalid resync schedule %q: %w", expr, err)
	}
	return s, nil
}

// Start begins the schedule in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("periodic resync scheduled")
}

// Stop halts the schedule and waits for a running resync to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("periodic resync stopped")
}

func (s *Scheduler) run() {
	summaries, err := s.coordinator.ResyncAll(context.Background(), s.userID)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled resync failed")
		return
	}
	var total int
	for _, sum := range summaries {
		total += sum.Ingested
	}
	s.logger.Info().
		Int("projects", len(summaries)).
		Int("ingested", total).
		Msg("scheduled resync complete")
}
