package db

import (
	"fmt"

	"github.com/zulandar/simbridge/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all ledger models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.EngineRun{},
		&models.SessionEvent{},
		&models.OverrideRecord{},
	}
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
