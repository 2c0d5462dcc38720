package models

import "time"

// Thread status values.
const (
	ThreadActive   = "active"
	ThreadArchived = "archived"
)

// ChatThread mirrors one remote-network conversation into a guild-platform
// thread. Exactly one row exists per (ChatID, AccountID): a remote chat that
// recurs for the same account reopens its existing row instead of creating
// a duplicate. ThreadID may be rewritten when the underlying thread entity
// is deleted out of band and the state machine self-heals.
type ChatThread struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ChatID         string `gorm:"size:64;not null;uniqueIndex:idx_chat_account"`
	AccountID      string `gorm:"size:64;not null;uniqueIndex:idx_chat_account"`
	OperatorID     string `gorm:"size:64;not null;index"`
	ThreadID       string `gorm:"size:64;not null"` // guild-platform thread ID
	Name           string `gorm:"size:128"`
	Status         string `gorm:"size:16;default:active;index"` // active, archived
	ReopenCount    int    `gorm:"not null;default:0"`
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
