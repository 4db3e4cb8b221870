package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BattleHistory is written exactly once per battle, in the same transaction
// as its point credits.
type BattleHistory struct {
	ID                string    `json:"id" gorm:"primaryKey;type:uuid"`
	BattleID          string    `json:"battle_id" gorm:"type:uuid;not null;uniqueIndex"`
	Title             string    `json:"title"`
	TotalParticipants int       `json:"total_participants"`
	TotalSubmissions  int       `json:"total_submissions"`
	WinnerAddress     *string   `json:"winner_address,omitempty" gorm:"type:varchar(128)"`
	WinningSide       string    `json:"winning_side,omitempty" gorm:"type:varchar(64)"`
	CompletedAt       time.Time `json:"completed_at" gorm:"not null"`
}

type PointsReason string

const (
	PointsReasonParticipation PointsReason = "participation"
	PointsReasonWinner        PointsReason = "winner"
)

// PointsEntry is an append-only credit; a user's total is the sum of deltas.
type PointsEntry struct {
	ID          string       `json:"id" gorm:"primaryKey;type:uuid"`
	UserAddress string       `json:"user_address" gorm:"type:varchar(128);not null;index;uniqueIndex:ux_points_battle_user_reason,priority:2"`
	Delta       int64        `json:"delta" gorm:"not null"`
	Reason      PointsReason `json:"reason" gorm:"type:varchar(32);not null;uniqueIndex:ux_points_battle_user_reason,priority:3"`
	BattleID    string       `json:"battle_id" gorm:"type:uuid;not null;uniqueIndex:ux_points_battle_user_reason,priority:1"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusSucceeded PayoutStatus = "succeeded"
	PayoutStatusFailed    PayoutStatus = "failed"
	PayoutStatusSkipped   PayoutStatus = "skipped"
)

// Payout tracks the external escrow payout of a battle independently from
// its status, so an operator retry never reopens a terminal battle.
type Payout struct {
	BattleID      string          `json:"battle_id" gorm:"primaryKey;type:uuid"`
	WinnerAddress string          `json:"winner_address,omitempty" gorm:"type:varchar(128)"`
	Status        PayoutStatus    `json:"status" gorm:"type:varchar(16);not null"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(36,18);default:0"`
	Attempts      int             `json:"attempts"`
	TxRef         string          `json:"tx_ref,omitempty" gorm:"type:varchar(128)"`
	LastError     string          `json:"last_error,omitempty" gorm:"type:text"`
	UpdatedAt     time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// LeaderboardRow is an aggregated view over PointsEntry, never stored.
type LeaderboardRow struct {
	Rank           int       `json:"rank" gorm:"-"`
	UserAddress    string    `json:"user_address"`
	TotalPoints    int64     `json:"total_points"`
	FirstAccruedAt time.Time `json:"first_accrued_at"`
}
