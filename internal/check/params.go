package check

import (
	"fmt"
	"time"

	"prgram-bot/internal/models"
)

// CreateParams are the caller-supplied attributes of a new check. The UI
// wizard validates these already; the engine re-validates as a contract.
type CreateParams struct {
	Amount         int64  `validate:"required,gt=0"`
	MaxActivations int    `validate:"required,gt=0"`
	Password       string `validate:"omitempty,max=64"`
	Comment        string `validate:"omitempty,max=255"`
	Conditions     models.CheckConditions
	Design         string `validate:"omitempty,max=32"`
	ExpiresAt      *time.Time
}

// Total is the amount frozen on the creator at creation time.
func (p CreateParams) Total() int64 {
	return p.Amount * int64(p.MaxActivations)
}

func (e *Engine) validateParams(p CreateParams) error {
	if err := e.validate.Struct(p); err != nil {
		return fmt.Errorf("invalid check params: %w", err)
	}
	eco := e.economy
	if p.Amount < eco.CheckMinAmount || p.Amount > eco.CheckMaxAmount {
		return fmt.Errorf("check amount must be between %d and %d GRAM", eco.CheckMinAmount, eco.CheckMaxAmount)
	}
	if p.MaxActivations > eco.CheckMaxActivations {
		return fmt.Errorf("check activations must not exceed %d", eco.CheckMaxActivations)
	}
	if p.ExpiresAt != nil && p.ExpiresAt.Before(time.Now()) {
		return fmt.Errorf("check expiry must be in the future")
	}
	return nil
}
