package db

import (
	"fmt"

	"github.com/mkarren/switchboard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the bridge persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.RemoteAccount{},
		&models.ChannelLink{},
		&models.ChatThread{},
		&models.MessageCorrelation{},
	}
}

// AutoMigrate creates or updates all bridge tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
