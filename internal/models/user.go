package models

import (
	"time"

	"prgram-bot/internal/level"
)

type User struct {
	ID            uint        `gorm:"primaryKey"`
	TelegramID    int64       `gorm:"uniqueIndex;not null"`
	Username      string      `gorm:"size:255"`
	Balance       int64       `gorm:"not null;default:0"`
	FrozenBalance int64       `gorm:"not null;default:0"`
	Level         level.Level `gorm:"size:16;not null;default:'bronze'"`
	ReferrerID    *uint       `gorm:"index"`
	ReferralCode  string      `gorm:"size:32;uniqueIndex"`
	Banned        bool        `gorm:"not null;default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available is the part of the balance not committed to live checks.
func (u *User) Available() int64 {
	return u.Balance - u.FrozenBalance
}
