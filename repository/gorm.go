package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"battle-orchestrator/models"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type gormRepository struct {
	db *gorm.DB
}

// Open connects to Postgres with duplicate-key translation enabled, which the
// repository relies on to map unique violations to ErrDuplicate.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates the tables and the partial unique index that allows at
// most one open battle.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Battle{},
		&models.Participant{},
		&models.Submission{},
		&models.BattleHistory{},
		&models.PointsEntry{},
		&models.Payout{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_battles_single_open
		ON battles ((true)) WHERE status IN ('PENDING', 'ACTIVE', 'CLOSING')`).Error
	if err != nil {
		return fmt.Errorf("failed to create single-open-battle index: %w", err)
	}
	return nil
}

func NewGormRepository(db *gorm.DB) BattleRepository {
	return &gormRepository{db: db}
}

func openStatusValues() []string {
	out := make([]string, 0, len(models.OpenStatuses))
	for _, s := range models.OpenStatuses {
		out = append(out, string(s))
	}
	return out
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

func (r *gormRepository) CreateOpenBattle(ctx context.Context, b *models.Battle) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.Battle{}).Where("status IN ?", openStatusValues()).Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrOpenBattleExists
		}

		b.Status = models.BattleStatusPending
		if err := tx.Create(b).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Battle{}).
			Where("id = ? AND status = ?", b.ID, models.BattleStatusPending).
			Update("status", models.BattleStatusActive)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("battle %s left PENDING unexpectedly", b.ID)
		}
		b.Status = models.BattleStatusActive
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// the partial unique index caught a concurrent creator
		return ErrOpenBattleExists
	}
	return err
}

func (r *gormRepository) ListOpenBattles(ctx context.Context) ([]models.Battle, error) {
	var battles []models.Battle
	err := r.db.WithContext(ctx).
		Where("status IN ?", openStatusValues()).
		Order("created_at ASC").
		Find(&battles).Error
	return battles, err
}

func (r *gormRepository) GetBattle(ctx context.Context, id string) (*models.Battle, error) {
	var b models.Battle
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (r *gormRepository) TransitionStatus(ctx context.Context, id string, from, to models.BattleStatus, reason string, at time.Time) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	updates := map[string]interface{}{"status": to}
	if to == models.BattleStatusClosing {
		updates["claimed_at"] = at
	}
	if to.IsTerminal() {
		updates["completed_at"] = at
		if reason != "" {
			updates["failure_reason"] = reason
		}
	}
	res := r.db.WithContext(ctx).Model(&models.Battle{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) ClaimClosing(ctx context.Context, id string, staleBefore, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Battle{}).
		Where("id = ? AND status = ? AND (claimed_at IS NULL OR claimed_at < ?)", id, models.BattleStatusClosing, staleBefore).
		Update("claimed_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) ListStaleClosing(ctx context.Context, staleBefore time.Time) ([]models.Battle, error) {
	var battles []models.Battle
	err := r.db.WithContext(ctx).
		Where("status = ? AND (claimed_at IS NULL OR claimed_at < ?)", models.BattleStatusClosing, staleBefore).
		Find(&battles).Error
	return battles, err
}

func (r *gormRepository) UpdatePoolBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	return r.db.WithContext(ctx).Model(&models.Battle{}).
		Where("id = ?", id).
		Update("pool_balance", balance).Error
}

func (r *gormRepository) AddParticipant(ctx context.Context, p *models.Participant) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row lock serialises joins against the ACTIVE→CLOSING update.
		var b models.Battle
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, "id = ?", p.BattleID).Error; err != nil {
			return err
		}
		if b.Status != models.BattleStatusActive {
			return ErrBattleNotActive
		}

		var existing int64
		if err := tx.Model(&models.Participant{}).
			Where("battle_id = ? AND user_address = ?", p.BattleID, p.UserAddress).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicate
		}

		var count int64
		if err := tx.Model(&models.Participant{}).Where("battle_id = ?", p.BattleID).Count(&count).Error; err != nil {
			return err
		}
		if b.IsFull(count) {
			return ErrBattleFull
		}
		return tx.Create(p).Error
	})
	return translate(err)
}

func (r *gormRepository) IsParticipant(ctx context.Context, battleID, userAddress string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("battle_id = ? AND user_address = ?", battleID, userAddress).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) ListParticipants(ctx context.Context, battleID string) ([]models.Participant, error) {
	var parts []models.Participant
	err := r.db.WithContext(ctx).
		Where("battle_id = ?", battleID).
		Order("joined_at ASC").
		Find(&parts).Error
	return parts, err
}

func (r *gormRepository) CountParticipants(ctx context.Context, battleID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Participant{}).Where("battle_id = ?", battleID).Count(&count).Error
	return count, err
}

func (r *gormRepository) AddSubmission(ctx context.Context, s *models.Submission) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b models.Battle
		if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).First(&b, "id = ?", s.BattleID).Error; err != nil {
			return err
		}
		if b.Status != models.BattleStatusActive {
			return ErrBattleNotActive
		}
		return tx.Create(s).Error
	})
	return translate(err)
}

func (r *gormRepository) ListSubmissions(ctx context.Context, battleID string) ([]models.Submission, error) {
	var subs []models.Submission
	err := r.db.WithContext(ctx).
		Where("battle_id = ?", battleID).
		Order("created_at ASC, id ASC").
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) GetHistory(ctx context.Context, battleID string) (*models.BattleHistory, error) {
	var h models.BattleHistory
	if err := r.db.WithContext(ctx).First(&h, "battle_id = ?", battleID).Error; err != nil {
		return nil, translate(err)
	}
	return &h, nil
}

func (r *gormRepository) ListHistory(ctx context.Context, limit int) ([]models.BattleHistory, error) {
	var rows []models.BattleHistory
	err := r.db.WithContext(ctx).
		Order("completed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *gormRepository) RecordSettlement(ctx context.Context, rec *SettlementRecord) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec.History).Error; err != nil {
			return err
		}
		if len(rec.Points) > 0 {
			if err := tx.Create(&rec.Points).Error; err != nil {
				return err
			}
		}
		return tx.Create(&rec.Payout).Error
	})
	return translate(err)
}

func (r *gormRepository) GetPayout(ctx context.Context, battleID string) (*models.Payout, error) {
	var p models.Payout
	if err := r.db.WithContext(ctx).First(&p, "battle_id = ?", battleID).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *gormRepository) UpdatePayout(ctx context.Context, p *models.Payout) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "battle_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"winner_address",
			"status",
			"amount",
			"attempts",
			"tx_ref",
			"last_error",
			"updated_at",
		}),
	}).Create(p).Error
}

// First accrual is compared at whole-second precision, the resolution the
// Redis score keeps, so both read paths rank ties identically.
const leaderboardQuery = `
	SELECT user_address,
	       SUM(delta) AS total_points,
	       date_trunc('second', MIN(created_at)) AS first_accrued_at
	FROM points_entries
	GROUP BY user_address
	ORDER BY total_points DESC, first_accrued_at ASC, user_address ASC`

const userPointsQuery = `
	SELECT * FROM (
		SELECT user_address,
		       SUM(delta) AS total_points,
		       date_trunc('second', MIN(created_at)) AS first_accrued_at,
		       ROW_NUMBER() OVER (ORDER BY SUM(delta) DESC, date_trunc('second', MIN(created_at)) ASC, user_address ASC) AS position
		FROM points_entries
		GROUP BY user_address
	) ranked
	WHERE user_address = ?`

func (r *gormRepository) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardRow, error) {
	var rows []models.LeaderboardRow
	query, args := leaderboardQuery, []interface{}{}
	if limit > 0 {
		query, args = query+" LIMIT ?", append(args, limit)
	}
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func (r *gormRepository) UserPoints(ctx context.Context, userAddress string) (*models.LeaderboardRow, error) {
	var ranked []struct {
		models.LeaderboardRow
		Position int
	}
	if err := r.db.WithContext(ctx).Raw(userPointsQuery, userAddress).Scan(&ranked).Error; err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, ErrNotFound
	}
	row := ranked[0].LeaderboardRow
	row.Rank = ranked[0].Position
	return &row, nil
}
