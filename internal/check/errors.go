package check

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("check not found")
	ErrInactive        = errors.New("check is inactive")
	ErrExpired         = errors.New("check has expired")
	ErrAlreadyRedeemed = errors.New("check already redeemed by this user")
	ErrMaxActivations  = errors.New("check activation limit reached")
	ErrWrongPassword   = errors.New("wrong check password")
)

// ConditionsError carries the human-readable reason an eligibility rule
// rejected a redemption.
type ConditionsError struct {
	Reason string
}

func (e *ConditionsError) Error() string {
	return fmt.Sprintf("conditions not met: %s", e.Reason)
}
