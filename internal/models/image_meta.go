package models

import "time"

// ImageMeta holds per-image library metadata: where the file landed, which
// message produced it, and the extracted style reference and category.
type ImageMeta struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Path      string `gorm:"size:512;uniqueIndex;not null"`
	MessageID string `gorm:"size:64;index"`
	Sref      string `gorm:"size:32;index"`
	Category  string `gorm:"size:64;index"`
	Buttons   string `gorm:"type:json"` // JSON map of "upscale_1"-style keys to custom_ids
	CreatedAt time.Time
}

// ImageTag associates a free-form tag with an image.
type ImageTag struct {
	ImageID uint   `gorm:"primaryKey"`
	Tag     string `gorm:"primaryKey;size:64"`
}

// FolderRating stores a 0-5 star rating for a library folder.
type FolderRating struct {
	Folder    string `gorm:"primaryKey;size:256"`
	Rating    int    `gorm:"not null"`
	UpdatedAt time.Time
}

// AnalysisRecord stores one section of a vision-analysis result for an image.
type AnalysisRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ImagePath string `gorm:"size:512;index;not null"`
	Section   string `gorm:"size:64;not null"` // e.g. "pattern_analysis", "prompt_1"
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}
