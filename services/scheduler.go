// services/scheduler.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"battle-orchestrator/config"
	"battle-orchestrator/events"
	"battle-orchestrator/models"
	"battle-orchestrator/observability"
	"battle-orchestrator/repository"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Scheduler runs the periodic battle tick. Overlapping ticks, and ticks in
// other processes sharing the store, are safe: every step is guarded by the
// store's uniqueness rules and compare-and-set transitions.
type Scheduler struct {
	repo            repository.BattleRepository
	battles         *BattleService
	settlement      *SettlementService
	cfg             config.SettlementConfig
	creationEnabled bool
	events          events.Publisher
	metrics         *observability.Metrics
	logger          zerolog.Logger
	now             func() time.Time

	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds the tick. creationEnabled gates automatic battle
// creation only; expiring battles are still closed and settled when false.
func NewScheduler(
	repo repository.BattleRepository,
	battles *BattleService,
	settlement *SettlementService,
	cfg config.SettlementConfig,
	creationEnabled bool,
	publisher events.Publisher,
	metrics *observability.Metrics,
) *Scheduler {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	return &Scheduler{
		repo:            repo,
		battles:         battles,
		settlement:      settlement,
		cfg:             cfg,
		creationEnabled: creationEnabled,
		events:          publisher,
		metrics:         metrics,
		logger:          observability.NewLogger("scheduler"),
		now:             time.Now,
	}
}

// Start schedules Tick every poll interval, running the first one immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.PollInterval()),
		gocron.NewTask(func() {
			s.Tick(s.ctx)
		}),
		gocron.WithName("battle-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to schedule battle tick: %w", err)
	}

	sched.Start()
	s.sched = sched
	s.logger.Info().
		Dur("interval", s.cfg.PollInterval()).
		Bool("creation_enabled", s.creationEnabled).
		Msg("scheduler started")
	return nil
}

// Stop cancels any in-flight tick and waits for the scheduler to shut down.
func (s *Scheduler) Stop() error {
	if s.sched == nil {
		return nil
	}
	s.cancel()
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Tick resumes abandoned settlements, closes the expired battle and opens a
// new one. Failures are logged and counted; the next tick retries.
func (s *Scheduler) Tick(ctx context.Context) {
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			s.logger.Error().Interface("panic", r).Msg("scheduler tick panicked")
		}
		s.metrics.SchedulerTicks.WithLabelValues(outcome).Inc()
	}()

	if err := s.resumeStale(ctx); err != nil {
		outcome = "error"
		s.logger.Error().Err(err).Msg("failed to resume stale settlements")
	}

	current, err := s.battles.GetCurrentBattle(ctx)
	if err != nil {
		outcome = "error"
		s.logger.Error().Err(err).Msg("failed to load current battle")
		return
	}

	if current != nil && current.Status == models.BattleStatusActive && current.IsExpired(s.now()) {
		if err := s.close(ctx, current); errors.Is(err, ErrSettlementInterrupted) {
			s.logger.Warn().Str("battle_id", current.ID).Msg("settlement interrupted, will resume after the claim lease")
			return
		} else if err != nil {
			outcome = "error"
			s.logger.Error().Err(err).Str("battle_id", current.ID).Msg("failed to close battle")
		}
		current, err = s.battles.GetCurrentBattle(ctx)
		if err != nil {
			outcome = "error"
			s.logger.Error().Err(err).Msg("failed to reload current battle")
			return
		}
	}

	if current != nil || !s.creationEnabled {
		return
	}
	if _, err := s.battles.CreateBattle(ctx); err != nil {
		if errors.Is(err, ErrBattleAlreadyOpen) {
			s.logger.Debug().Msg("battle already opened elsewhere")
			return
		}
		outcome = "error"
		s.logger.Error().Err(err).Msg("failed to create battle")
	}
}

// close moves an expired battle to CLOSING and settles it. Losing the CAS
// means another tick owns the settlement.
func (s *Scheduler) close(ctx context.Context, b *models.Battle) error {
	now := s.now().UTC()
	ok, err := s.repo.TransitionStatus(ctx, b.ID, models.BattleStatusActive, models.BattleStatusClosing, "", now)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug().Str("battle_id", b.ID).Msg("battle already closing elsewhere")
		return nil
	}

	s.logger.Info().Str("battle_id", b.ID).Time("end_time", b.EndTime).Msg("battle closing")
	if err := s.events.Publish(ctx, events.Event{
		Type:       events.BattleClosing,
		BattleID:   b.ID,
		Title:      b.Title,
		Status:     string(models.BattleStatusClosing),
		OccurredAt: now,
	}); err != nil {
		s.logger.Warn().Err(err).Str("battle_id", b.ID).Msg("failed to publish battle.closing")
	}
	return s.settlement.Settle(ctx, b.ID)
}

// resumeStale takes over CLOSING battles whose settlement lease expired,
// typically after a crash mid-settlement.
func (s *Scheduler) resumeStale(ctx context.Context) error {
	now := s.now().UTC()
	staleBefore := now.Add(-s.cfg.ClaimLease)
	stale, err := s.repo.ListStaleClosing(ctx, staleBefore)
	if err != nil {
		return err
	}
	var firstErr error
	for _, b := range stale {
		ok, err := s.repo.ClaimClosing(ctx, b.ID, staleBefore, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		s.logger.Warn().Str("battle_id", b.ID).Msg("resuming abandoned settlement")
		err = s.settlement.Settle(ctx, b.ID)
		if errors.Is(err, ErrSettlementInterrupted) {
			return nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
