package models

import "time"

// MessageCorrelation maps a guild-platform message ID to the remote-network
// message it produced. Recorded only after the remote network acknowledges
// delivery; used to resolve reply targets when an operator replies to a
// previously forwarded message.
type MessageCorrelation struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	GuildMessageID  string `gorm:"size:64;not null;uniqueIndex"`
	RemoteMessageID string `gorm:"size:64;not null"`
	ChatID          string `gorm:"size:64;not null;index"`
	AccountID       string `gorm:"size:64;not null"`
	CreatedAt       time.Time
}
