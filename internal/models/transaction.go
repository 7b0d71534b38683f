package models

import (
	"time"
)

// TxType classifies a ledger transaction. Amounts are always stored as
// positive magnitudes; the type carries the direction.
type TxType string

const (
	TxEarn     TxType = "earn"
	TxSpend    TxType = "spend"
	TxReferral TxType = "referral"
	TxBonus    TxType = "bonus"
	TxRefund   TxType = "refund"
	TxPenalty  TxType = "penalty"
)

// Credits reports whether the type increases the balance.
func (t TxType) Credits() bool {
	switch t {
	case TxEarn, TxReferral, TxBonus, TxRefund:
		return true
	}
	return false
}

// Transaction is the append-only audit record behind every balance change.
// Rows are never updated or deleted.
type Transaction struct {
	ID          uint              `gorm:"primaryKey"`
	UserID      uint              `gorm:"not null;index"`
	User        User              `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	Type        TxType            `gorm:"size:16;not null;index"`
	Amount      int64             `gorm:"not null"`
	Description string            `gorm:"size:255"`
	Metadata    map[string]string `gorm:"serializer:json"`
	CreatedAt   time.Time
}
