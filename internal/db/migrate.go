package db

import (
	"fmt"

	"github.com/zulandar/easel/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.TrackedCommand{},
		&models.AssetNotification{},
		&models.ImageMeta{},
		&models.ImageTag{},
		&models.FolderRating{},
		&models.AnalysisRecord{},
	}
}

// AutoMigrate creates or updates all Easel tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
