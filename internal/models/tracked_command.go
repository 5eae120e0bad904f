package models

import "time"

// Command kinds.
const (
	KindImagine   = "imagine"
	KindUpscale   = "upscale"
	KindVariation = "variation"
)

// Command statuses.
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusFailed       = "failed"
)

// TrackedCommand is the persisted record of an outbound Midjourney command.
// OriginID links a derived command (upscale/variation) to the command it was
// derived from; it is empty for imagine commands. Chains are acyclic by
// construction since an origin always exists before its derivative.
type TrackedCommand struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Kind      string    `gorm:"size:16;not null;index"`
	OriginID  string    `gorm:"size:64;index"`
	Status    string    `gorm:"size:16;default:pending;index"`
	Prompt    string    `gorm:"type:text"` // imagine prompt text
	CustomID  string    `gorm:"size:128"`  // button custom_id for derived commands
	Slot      int       // button slot 1-4 for derived commands
	Data      string    `gorm:"type:json"` // free-form extras merged in by status updates
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}
