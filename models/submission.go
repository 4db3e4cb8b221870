package models

import "time"

// Submission is a content item a participant posted for one side of a battle.
// Rows are append-only.
type Submission struct {
	ID          string    `json:"id" gorm:"primaryKey;type:uuid"`
	BattleID    string    `json:"battle_id" gorm:"type:uuid;not null;index"`
	UserAddress string    `json:"user_address" gorm:"type:varchar(128);not null;index"`
	Side        string    `json:"side" gorm:"type:varchar(64);not null"`
	Content     string    `json:"content" gorm:"type:text;not null"`
	CreatedAt   time.Time `json:"created_at" gorm:"not null;index"`
}

const MaxSubmissionLength = 2000
