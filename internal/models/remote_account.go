package models

import "time"

// RemoteAccount links one remote-network account to the operator who owns
// it. Created when a credential is first verified and registered, deleted on
// explicit unlink. One operator may own several accounts.
type RemoteAccount struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	OperatorID  string `gorm:"size:64;not null;index"`                           // guild-platform user ID
	AccountID   string `gorm:"size:64;not null;uniqueIndex:idx_remote_account"`  // remote-network account ID
	Credential  string `gorm:"size:512;not null"`                                // bearer token for the remote network
	DisplayName string `gorm:"size:128"`
	Gender      string `gorm:"size:16"` // profile attributes, opaque to the bridge
	Job         string `gorm:"size:64"`
	Age         int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
