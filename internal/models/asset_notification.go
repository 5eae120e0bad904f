package models

import "time"

// AssetNotification is the persisted record of a notification emitted by the
// event router when an asset-bearing message arrived. One row per saved
// attachment.
type AssetNotification struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:64;index;not null"`
	SavePath  string `gorm:"size:512"`
	Sref      string `gorm:"size:32;index"`
	Category  string `gorm:"size:64"`
	Buttons   string `gorm:"type:json"`
	CreatedAt time.Time
}
