package check

import (
	"context"
	"fmt"

	"prgram-bot/internal/models"
)

// checkConditions evaluates the conjunction of a check's eligibility rules.
// Predicates short-circuit on the first failure. A membership-verification
// error counts as not met rather than being retried.
func (e *Engine) checkConditions(ctx context.Context, check *models.Check, redeemer *models.User) error {
	if check.CreatedByID == redeemer.ID {
		return &ConditionsError{Reason: "нельзя активировать собственный чек"}
	}

	c := check.Conditions
	if c.MinLevel != "" && !redeemer.Level.AtLeast(c.MinLevel) {
		return &ConditionsError{Reason: fmt.Sprintf("требуется уровень %s или выше", c.MinLevel)}
	}

	for _, channel := range c.Channels {
		subscribed, err := e.membership.IsSubscribed(ctx, channel, redeemer.TelegramID)
		if err != nil {
			e.log.WithCheck(check.Code).WithField("channel", channel).Warnf("Membership verification failed: %v", err)
			return &ConditionsError{Reason: fmt.Sprintf("не удалось проверить подписку на %s", channel)}
		}
		if !subscribed {
			return &ConditionsError{Reason: fmt.Sprintf("сначала подпишитесь на %s", channel)}
		}
	}

	return nil
}
