package services

import (
	"context"
	"sync"

	"battle-orchestrator/clients"
	"battle-orchestrator/config"
	"battle-orchestrator/events"
	"battle-orchestrator/models"
	"battle-orchestrator/observability"
	"battle-orchestrator/repository"

	"github.com/rs/zerolog"
)

// Dependencies are the collaborators the orchestrator is built from. Ledger,
// Cache, Events and Archive are optional.
type Dependencies struct {
	Repo    repository.BattleRepository
	Topics  clients.TopicProvider
	Ledger  clients.LedgerClient
	Cache   LeaderboardCache
	Events  events.Publisher
	Archive ReceiptArchiver
	Metrics *observability.Metrics
}

// Orchestrator is the single long-lived battle service of a process. It is
// constructed once in main and handed to the HTTP layer.
type Orchestrator struct {
	cfg    config.Config
	events events.Publisher
	logger zerolog.Logger

	Battles       *BattleService
	Participation *ParticipationService
	Settlement    *SettlementService
	Leaderboard   *LeaderboardService
	Scheduler     *Scheduler

	initOnce     sync.Once
	initErr      error
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewOrchestrator(cfg *config.Config, deps Dependencies) *Orchestrator {
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.DefaultMetrics()
	}
	logger := observability.NewLogger("orchestrator")

	creationEnabled := true
	if err := cfg.ValidateScheduling(); err != nil {
		creationEnabled = false
		logger.Warn().Err(err).Msg("automatic battle creation disabled")
	}

	s := cfg.Settlement
	battles := NewBattleService(deps.Repo, deps.Topics, s, deps.Events, deps.Metrics)
	leaderboard := NewLeaderboardService(deps.Repo, deps.Cache)
	settlement := NewSettlementService(deps.Repo, deps.Ledger, NewWinnerSelector(s.WinnerPolicy),
		leaderboard, s, deps.Events, deps.Archive, deps.Metrics)

	return &Orchestrator{
		cfg:           *cfg,
		events:        deps.Events,
		logger:        logger,
		Battles:       battles,
		Participation: NewParticipationService(deps.Repo, battles, deps.Ledger, s, deps.Metrics),
		Settlement:    settlement,
		Leaderboard:   leaderboard,
		Scheduler:     NewScheduler(deps.Repo, battles, settlement, s, creationEnabled, deps.Events, deps.Metrics),
	}
}

// Initialize warms the leaderboard cache and starts the scheduler. Only the
// first call does the work; later calls return its result.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.initOnce.Do(func() {
		if err := o.Leaderboard.Warm(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("leaderboard cache warm failed, serving from database")
		}
		o.initErr = o.Scheduler.Start(ctx)
		if o.initErr == nil {
			o.logger.Info().
				Int("battle_duration_hours", o.cfg.Settlement.BattleDurationHours).
				Int("poll_interval_seconds", o.cfg.Settlement.PollIntervalSeconds).
				Bool("enabled", o.cfg.Settlement.Enabled).
				Msg("orchestrator initialized")
		}
	})
	return o.initErr
}

// Shutdown stops the scheduler and drains the event publisher.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		if err := o.Scheduler.Stop(); err != nil {
			o.shutdownErr = err
		}
		if err := o.events.Close(); err != nil && o.shutdownErr == nil {
			o.shutdownErr = err
		}
		o.logger.Info().Msg("orchestrator stopped")
	})
	return o.shutdownErr
}

// GetConfig returns a copy of the settlement configuration.
func (o *Orchestrator) GetConfig() config.SettlementConfig {
	return o.cfg.Settlement
}

func (o *Orchestrator) GetCurrentBattle(ctx context.Context) (*models.Battle, error) {
	return o.Battles.GetCurrentBattle(ctx)
}

// JoinBattle joins the current battle and reports success. Already being a
// participant counts as success.
func (o *Orchestrator) JoinBattle(ctx context.Context, userAddress string) bool {
	return o.Participation.Join(ctx, JoinRequest{UserAddress: userAddress}).Success
}

func (o *Orchestrator) Join(ctx context.Context, req JoinRequest) JoinResult {
	return o.Participation.Join(ctx, req)
}

func (o *Orchestrator) JoinWithEntry(ctx context.Context, userAddress string) JoinResult {
	return o.Participation.JoinWithEntry(ctx, userAddress)
}

func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	return o.Participation.Submit(ctx, req)
}

func (o *Orchestrator) ListSubmissions(ctx context.Context, battleID string) ([]models.Submission, error) {
	return o.Participation.ListSubmissions(ctx, battleID)
}

func (o *Orchestrator) Top(ctx context.Context, limit int) ([]models.LeaderboardRow, error) {
	return o.Leaderboard.Top(ctx, limit)
}

func (o *Orchestrator) UserPoints(ctx context.Context, userAddress string) (*models.LeaderboardRow, error) {
	return o.Leaderboard.UserPoints(ctx, userAddress)
}

func (o *Orchestrator) History(ctx context.Context, limit int) ([]models.BattleHistory, error) {
	return o.Battles.ListHistory(ctx, limit)
}

func (o *Orchestrator) RetryPayout(ctx context.Context, battleID string) (*models.Payout, error) {
	return o.Settlement.RetryPayout(ctx, battleID)
}
