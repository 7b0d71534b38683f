package models

import (
	"time"

	"prgram-bot/internal/level"
)

// CheckConditions is a conjunction of eligibility rules evaluated before a
// redemption is allowed. Empty conditions always pass.
type CheckConditions struct {
	Channels []string    `json:"channels,omitempty"`  // redeemer must be subscribed to each
	MinLevel level.Level `json:"min_level,omitempty"` // redeemer tier must be at least this
}

// Check is a pre-funded voucher. The creator freezes Amount*MaxActivations
// on creation; every activation pays Amount out of that frozen pool. Rows
// are never deleted, only deactivated.
type Check struct {
	ID                 uint            `gorm:"primaryKey"`
	Code               string          `gorm:"size:36;uniqueIndex;not null"`
	CreatedByID        uint            `gorm:"not null;index"`
	CreatedBy          User            `gorm:"foreignKey:CreatedByID"`
	Amount             int64           `gorm:"not null"`
	MaxActivations     int             `gorm:"not null"`
	CurrentActivations int             `gorm:"not null;default:0"`
	Password           string          `gorm:"size:64"`
	Comment            string          `gorm:"size:255"`
	Conditions         CheckConditions `gorm:"serializer:json"`
	Design             string          `gorm:"size:32"`
	IsActive           bool            `gorm:"not null;default:true"`
	ExpiresAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Residual is the frozen amount still reserved for future activations.
func (c *Check) Residual() int64 {
	remaining := c.MaxActivations - c.CurrentActivations
	if remaining <= 0 {
		return 0
	}
	return c.Amount * int64(remaining)
}

// Expired reports whether the check has an expiry in the past.
func (c *Check) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}
