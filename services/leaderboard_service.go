package services

import (
	"context"
	"errors"
	"sync/atomic"

	"battle-orchestrator/apperrors"
	"battle-orchestrator/models"
	"battle-orchestrator/observability"
	"battle-orchestrator/repository"

	"github.com/rs/zerolog"
)

const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
)

// LeaderboardCache mirrors the points ledger for fast reads. ok=false means
// the cache cannot answer and the database is used instead.
type LeaderboardCache interface {
	Top(ctx context.Context, limit int) (rows []models.LeaderboardRow, ok bool, err error)
	UserPoints(ctx context.Context, userAddress string) (row *models.LeaderboardRow, ok bool, err error)
	Upsert(ctx context.Context, rows []models.LeaderboardRow) error
	Replace(ctx context.Context, rows []models.LeaderboardRow) error
	Invalidate(ctx context.Context) error
}

type LeaderboardService struct {
	repo   repository.BattleRepository
	cache  LeaderboardCache
	logger zerolog.Logger

	// stale is set when a write was lost; the next Refresh rebuilds instead.
	stale atomic.Bool
}

// NewLeaderboardService builds the service; cache may be nil.
func NewLeaderboardService(repo repository.BattleRepository, cache LeaderboardCache) *LeaderboardService {
	return &LeaderboardService{
		repo:   repo,
		cache:  cache,
		logger: observability.NewLogger("leaderboard"),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLeaderboardLimit
	}
	if limit > MaxLeaderboardLimit {
		return MaxLeaderboardLimit
	}
	return limit
}

// Top returns users ordered by total points desc, earliest accrual asc, then address.
func (s *LeaderboardService) Top(ctx context.Context, limit int) ([]models.LeaderboardRow, error) {
	limit = clampLimit(limit)

	if s.cache != nil {
		rows, ok, err := s.cache.Top(ctx, limit)
		if err != nil {
			s.logger.Warn().Err(err).Msg("leaderboard cache read failed, using database")
		} else if ok {
			return rows, nil
		}
	}

	rows, err := s.repo.Leaderboard(ctx, limit)
	if err != nil {
		return nil, apperrors.NewPersistenceError("LEADERBOARD_FAILED", "failed to load leaderboard", err)
	}
	return rows, nil
}

func (s *LeaderboardService) UserPoints(ctx context.Context, userAddress string) (*models.LeaderboardRow, error) {
	addr := models.NormalizeAddress(userAddress)
	if addr == "" {
		return nil, apperrors.NewValidationError("INVALID_ADDRESS", "user address is required")
	}

	if s.cache != nil {
		row, ok, err := s.cache.UserPoints(ctx, addr)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("user_address", addr).Msg("leaderboard cache read failed, using database")
		case ok && row != nil:
			return row, nil
		}
	}

	row, err := s.repo.UserPoints(ctx, addr)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("USER_POINTS_NOT_FOUND", "no points recorded for "+addr)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("USER_POINTS_FAILED", "failed to load user points", err)
	}
	return row, nil
}

// Warm rebuilds the cache from the points ledger.
func (s *LeaderboardService) Warm(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	rows, err := s.repo.Leaderboard(ctx, 0)
	if err != nil {
		return apperrors.NewPersistenceError("LEADERBOARD_FAILED", "failed to load leaderboard", err)
	}
	if err := s.cache.Replace(ctx, rows); err != nil {
		return err
	}
	s.logger.Info().Int("users", len(rows)).Msg("leaderboard cache warmed")
	return nil
}

// Refresh writes the recomputed totals of the given users to the cache.
// A failed write takes the cache out of service until a full rebuild
// succeeds, so reads never serve totals that miss a credit.
func (s *LeaderboardService) Refresh(ctx context.Context, userAddresses []string) {
	if s.cache == nil {
		return
	}
	if s.stale.Load() {
		if err := s.Warm(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("leaderboard cache rebuild failed, still serving from database")
			return
		}
		s.stale.Store(false)
		return
	}
	if len(userAddresses) == 0 {
		return
	}
	rows := make([]models.LeaderboardRow, 0, len(userAddresses))
	for _, addr := range userAddresses {
		row, err := s.repo.UserPoints(ctx, addr)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("user_address", addr).Msg("failed to reload user points for cache")
			s.invalidate(ctx)
			return
		}
		rows = append(rows, *row)
	}
	if err := s.cache.Upsert(ctx, rows); err != nil {
		s.logger.Warn().Err(err).Int("users", len(rows)).Msg("leaderboard cache write failed")
		s.invalidate(ctx)
	}
}

func (s *LeaderboardService) invalidate(ctx context.Context) {
	s.stale.Store(true)
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to invalidate leaderboard cache")
	}
}
