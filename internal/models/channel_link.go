package models

import "time"

// ChannelLink maps an (operator, remote account) pair to its private guild
// channel. The Name column is the deterministic channel name used as the
// idempotency key: the provisioner resolves channels by name against the
// live guild, so a stale ChannelID after out-of-band deletion is repaired
// rather than trusted.
type ChannelLink struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	OperatorID string `gorm:"size:64;not null;uniqueIndex:idx_operator_account"`
	AccountID  string `gorm:"size:64;not null;uniqueIndex:idx_operator_account"`
	ChannelID  string `gorm:"size:64;not null"` // guild-platform channel ID
	Name       string `gorm:"size:128;not null;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
