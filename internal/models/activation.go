package models

import (
	"time"
)

// CheckActivation records one successful redemption. The composite unique
// index is the storage-level backstop that makes redemption exactly-once per
// (check, user) even when two attempts race.
type CheckActivation struct {
	ID        uint              `gorm:"primaryKey"`
	CheckID   uint              `gorm:"not null;uniqueIndex:idx_activation_check_user"`
	UserID    uint              `gorm:"not null;uniqueIndex:idx_activation_check_user"`
	Amount    int64             `gorm:"not null"`
	Metadata  map[string]string `gorm:"serializer:json"`
	CreatedAt time.Time
}
