package models

import (
	"time"
)

const (
	PaymentSucceeded = "succeeded"
)

// Payment is a completed external top-up. ExternalID carries the provider's
// payment id; its unique index makes webhook processing idempotent — a
// redelivered notification hits the constraint instead of crediting twice.
type Payment struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     uint   `gorm:"not null;index"`
	User       User   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	Amount     int64  `gorm:"not null"`
	Status     string `gorm:"size:16;not null"`
	ExternalID string `gorm:"size:64;not null;uniqueIndex"`
	CreatedAt  time.Time
}
