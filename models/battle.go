package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BattleStatus is the lifecycle state of a battle.
type BattleStatus string

const (
	BattleStatusPending   BattleStatus = "PENDING"
	BattleStatusActive    BattleStatus = "ACTIVE"
	BattleStatusClosing   BattleStatus = "CLOSING"
	BattleStatusCompleted BattleStatus = "COMPLETED"
	BattleStatusFailed    BattleStatus = "FAILED"
)

// OpenStatuses are the non-terminal statuses; at most one battle may hold one of them.
var OpenStatuses = []BattleStatus{BattleStatusPending, BattleStatusActive, BattleStatusClosing}

var battleTransitions = map[BattleStatus][]BattleStatus{
	BattleStatusPending: {BattleStatusActive},
	BattleStatusActive:  {BattleStatusClosing},
	BattleStatusClosing: {BattleStatusCompleted, BattleStatusFailed},
}

// CanTransitionTo reports whether s → next is a legal lifecycle step.
func (s BattleStatus) CanTransitionTo(next BattleStatus) bool {
	for _, allowed := range battleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s BattleStatus) IsTerminal() bool {
	return s == BattleStatusCompleted || s == BattleStatusFailed
}

func (s BattleStatus) IsOpen() bool {
	for _, open := range OpenStatuses {
		if s == open {
			return true
		}
	}
	return false
}

// Battle is a single time-boxed competition.
type Battle struct {
	ID              string           `json:"id" gorm:"primaryKey;type:uuid"`
	Slug            string           `json:"slug" gorm:"type:varchar(160);index"`
	Title           string           `json:"title" gorm:"type:text;not null"`
	TopicSource     string           `json:"topic_source" gorm:"type:varchar(32)"`
	TopicMetadata   datatypes.JSON   `json:"topic_metadata,omitempty" gorm:"type:jsonb"`
	Status          BattleStatus     `json:"status" gorm:"type:varchar(16);not null;index"`
	StartTime       time.Time        `json:"start_time" gorm:"not null"`
	EndTime         time.Time        `json:"end_time" gorm:"not null;index"`
	MaxParticipants int              `json:"max_participants" gorm:"default:0"` // 0 = uncapped
	EntryFee        *decimal.Decimal `json:"entry_fee,omitempty" gorm:"type:numeric(36,18)"`
	PoolBalance     decimal.Decimal  `json:"pool_balance" gorm:"type:numeric(36,18);default:0"`
	ClaimedAt       *time.Time       `json:"-"` // settlement lease
	FailureReason   string           `json:"failure_reason,omitempty" gorm:"type:text"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time        `json:"updated_at" gorm:"autoUpdateTime"`

	// Calculated fields (not stored in DB)
	ParticipantsCount int64 `json:"participants_count" gorm:"-"`
}

// IsExpired reports whether the deadline has been reached.
func (b *Battle) IsExpired(now time.Time) bool {
	return !now.Before(b.EndTime)
}

// HasEntryFee reports whether joining requires a ledger payment.
func (b *Battle) HasEntryFee() bool {
	return b.EntryFee != nil && b.EntryFee.IsPositive()
}

// IsFull reports whether count participants exhaust the cap.
func (b *Battle) IsFull(count int64) bool {
	return b.MaxParticipants > 0 && count >= int64(b.MaxParticipants)
}
