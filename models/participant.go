package models

import (
	"strings"
	"time"
)

// Participant records a user's join of a battle; (battle_id, user_address) is unique.
type Participant struct {
	ID          string    `json:"id" gorm:"primaryKey;type:uuid"`
	BattleID    string    `json:"battle_id" gorm:"type:uuid;not null;uniqueIndex:ux_participant_battle_user,priority:1"`
	UserAddress string    `json:"user_address" gorm:"type:varchar(128);not null;uniqueIndex:ux_participant_battle_user,priority:2"`
	EntryTxRef  string    `json:"entry_tx_ref,omitempty" gorm:"type:varchar(128)"`
	JoinedAt    time.Time `json:"joined_at" gorm:"autoCreateTime"`
}

const maxAddressLength = 128

// NormalizeAddress lower-cases and trims a wallet address. It returns ""
// when the input cannot be an address.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" || len(addr) > maxAddressLength || strings.ContainsAny(addr, " \t\r\n") {
		return ""
	}
	return addr
}
