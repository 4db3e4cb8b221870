package repository

import (
	"context"
	"errors"
	"time"

	"battle-orchestrator/models"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrOpenBattleExists  = errors.New("an open battle already exists")
	ErrBattleFull        = errors.New("battle is full")
	ErrBattleNotActive   = errors.New("battle is not active")
	ErrIllegalTransition = errors.New("illegal battle status transition")
)

// SettlementRecord is written atomically: history, point credits and the payout row.
type SettlementRecord struct {
	History models.BattleHistory
	Points  []models.PointsEntry
	Payout  models.Payout
}

// BattleRepository is the persistence gateway for battles and their bookkeeping.
// Cross-entity invariants (single open battle, unique participant, single
// history row) are enforced here rather than by callers.
type BattleRepository interface {
	// CreateOpenBattle inserts b as PENDING and promotes it to ACTIVE in one
	// transaction. Returns ErrOpenBattleExists when another battle is open.
	CreateOpenBattle(ctx context.Context, b *models.Battle) error
	ListOpenBattles(ctx context.Context) ([]models.Battle, error)
	GetBattle(ctx context.Context, id string) (*models.Battle, error)
	// TransitionStatus is a compare-and-set on status. It reports false when
	// the battle was no longer in from.
	TransitionStatus(ctx context.Context, id string, from, to models.BattleStatus, reason string, at time.Time) (bool, error)
	// ClaimClosing takes the settlement lease on a CLOSING battle whose
	// previous claim is older than staleBefore.
	ClaimClosing(ctx context.Context, id string, staleBefore, at time.Time) (bool, error)
	ListStaleClosing(ctx context.Context, staleBefore time.Time) ([]models.Battle, error)
	UpdatePoolBalance(ctx context.Context, id string, balance decimal.Decimal) error

	// AddParticipant returns ErrDuplicate, ErrBattleFull or ErrBattleNotActive.
	AddParticipant(ctx context.Context, p *models.Participant) error
	IsParticipant(ctx context.Context, battleID, userAddress string) (bool, error)
	ListParticipants(ctx context.Context, battleID string) ([]models.Participant, error)
	CountParticipants(ctx context.Context, battleID string) (int64, error)

	// AddSubmission returns ErrBattleNotActive when the battle stopped accepting content.
	AddSubmission(ctx context.Context, s *models.Submission) error
	ListSubmissions(ctx context.Context, battleID string) ([]models.Submission, error)

	GetHistory(ctx context.Context, battleID string) (*models.BattleHistory, error)
	ListHistory(ctx context.Context, limit int) ([]models.BattleHistory, error)
	// RecordSettlement returns ErrDuplicate when history already exists.
	RecordSettlement(ctx context.Context, rec *SettlementRecord) error
	GetPayout(ctx context.Context, battleID string) (*models.Payout, error)
	UpdatePayout(ctx context.Context, p *models.Payout) error

	// Leaderboard orders by total desc, earliest accrual asc, address asc.
	// A limit <= 0 returns every user.
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardRow, error)
	UserPoints(ctx context.Context, userAddress string) (*models.LeaderboardRow, error)
}
