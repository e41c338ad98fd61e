package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/models"
)

// AllModels returns every GORM model owned by signalbox.
func AllModels() []interface{} {
	return []interface{}{
		&models.Order{},
		&models.Conversation{},
		&models.ConversationMessage{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// OpenMemory returns a migrated in-memory SQLite database.
func OpenMemory() (*gorm.DB, error) {
	db, err := OpenSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
