package models

import (
	"time"
)

const (
	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
)

// Withdrawal is a request to cash GRAM out. The amount is debited when the
// request is created and refunded if an admin rejects it.
type Withdrawal struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	User      User   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	Amount    int64  `gorm:"not null"`
	Status    string `gorm:"size:16;not null;default:'pending'"`
	Details   string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
