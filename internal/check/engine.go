package check

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"prgram-bot/internal/config"
	"prgram-bot/internal/ledger"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/metrics"
	"prgram-bot/internal/models"
)

// MembershipVerifier answers whether a Telegram user is subscribed to a
// channel. Implementations may fail or time out; the engine treats that as
// conditions-not-met.
type MembershipVerifier interface {
	IsSubscribed(ctx context.Context, channel string, telegramID int64) (bool, error)
}

// Notifier receives best-effort events after a redemption commits.
type Notifier interface {
	CheckRedeemed(ctx context.Context, check *models.Check, redeemerID uint, exhausted bool)
}

// EffectQueue dispatches derived effects that must never roll back the
// primary mutation, such as the referral bonus cascade.
type EffectQueue interface {
	EnqueueReferralBonus(ctx context.Context, earnerID uint, earned int64) error
}

// Result describes a successful activation.
type Result struct {
	Check     *models.Check
	Amount    int64
	Exhausted bool
}

// Engine owns the check lifecycle: creation against frozen funds, redemption
// exactly-once per (check, user), and revocation with residual unfreeze.
// Every activation attempt runs as one database transaction; the composite
// unique index on check_activations is the backstop that turns a racing
// duplicate into ErrAlreadyRedeemed instead of a double payout.
type Engine struct {
	db         *gorm.DB
	ledger     *ledger.Service
	membership MembershipVerifier
	notifier   Notifier
	effects    EffectQueue
	economy    config.Economy
	validate   *validator.Validate
	metrics    *metrics.Metrics
	log        *logger.Logger
}

func NewEngine(db *gorm.DB, lg *ledger.Service, membership MembershipVerifier, notifier Notifier, effects EffectQueue, economy config.Economy, m *metrics.Metrics, log *logger.Logger) *Engine {
	return &Engine{
		db:         db,
		ledger:     lg,
		membership: membership,
		notifier:   notifier,
		effects:    effects,
		economy:    economy,
		validate:   validator.New(),
		metrics:    m,
		log:        log,
	}
}

// Create freezes Amount*MaxActivations on the creator and creates the check
// in the same transaction. ErrInsufficientFunds from the ledger leaves no
// partial state.
func (e *Engine) Create(ctx context.Context, creatorID uint, p CreateParams) (*models.Check, error) {
	if err := e.validateParams(p); err != nil {
		return nil, err
	}

	chk := &models.Check{
		Code:           uuid.NewString(),
		CreatedByID:    creatorID,
		Amount:         p.Amount,
		MaxActivations: p.MaxActivations,
		Password:       p.Password,
		Comment:        p.Comment,
		Conditions:     p.Conditions,
		Design:         p.Design,
		IsActive:       true,
		ExpiresAt:      p.ExpiresAt,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := e.ledger.WithTx(tx).Freeze(ctx, creatorID, p.Total(), "check reserve"); err != nil {
			return err
		}
		return tx.Create(chk).Error
	})
	if err != nil {
		return nil, err
	}

	e.log.WithUserID(creatorID).WithField("check", chk.Code).
		WithField("amount", chk.Amount).
		WithField("max_activations", chk.MaxActivations).
		Info("Check created")
	return chk, nil
}

// Activate redeems a check for a user. Cheap rejections (inactive, expired,
// wrong password, conditions) happen against a fresh read; the increment,
// the activation row, and the payout then run in one transaction with
// re-checked guards, so concurrent attempts cannot overdraw the frozen pool
// or double-pay the same user.
func (e *Engine) Activate(ctx context.Context, code string, redeemerID uint, password string) (*Result, error) {
	result, err := e.activate(ctx, code, redeemerID, password)
	e.metrics.ObserveActivation(outcomeOf(err))
	return result, err
}

func (e *Engine) activate(ctx context.Context, code string, redeemerID uint, password string) (*Result, error) {
	chk, err := e.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if !chk.IsActive {
		return nil, ErrInactive
	}
	if chk.Expired(time.Now()) {
		// First redemption attempt after the deadline observes the expiry.
		if err := e.Revoke(ctx, chk.ID, "expired"); err != nil && !errors.Is(err, ErrInactive) {
			e.log.WithCheck(chk.Code).Errorf("Failed to revoke expired check: %v", err)
		}
		return nil, ErrExpired
	}
	if chk.Password != "" && chk.Password != password {
		return nil, ErrWrongPassword
	}

	redeemer, err := e.getUser(ctx, redeemerID)
	if err != nil {
		return nil, err
	}
	if err := e.checkConditions(ctx, chk, redeemer); err != nil {
		return nil, err
	}

	result := &Result{Amount: chk.Amount}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Friendly fast path; the unique index below is the real guarantee.
		var redeemed int64
		if err := tx.Model(&models.CheckActivation{}).
			Where("check_id = ? AND user_id = ?", chk.ID, redeemerID).
			Count(&redeemed).Error; err != nil {
			return err
		}
		if redeemed > 0 {
			return ErrAlreadyRedeemed
		}

		res := tx.Model(&models.Check{}).
			Where("id = ? AND is_active = ? AND current_activations < max_activations", chk.ID, true).
			Update("current_activations", gorm.Expr("current_activations + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var fresh models.Check
			if err := tx.First(&fresh, chk.ID).Error; err != nil {
				return err
			}
			if fresh.CurrentActivations >= fresh.MaxActivations {
				return ErrMaxActivations
			}
			return ErrInactive
		}

		if err := tx.Create(&models.CheckActivation{
			CheckID: chk.ID,
			UserID:  redeemerID,
			Amount:  chk.Amount,
			Metadata: map[string]string{
				"check_code": chk.Code,
			},
		}).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyRedeemed
			}
			return err
		}

		if err := e.ledger.WithTx(tx).TransferFrozen(ctx, chk.CreatedByID, redeemerID, chk.Amount,
			"check "+chk.Code, map[string]string{"check_id": strconv.FormatUint(uint64(chk.ID), 10)}); err != nil {
			return err
		}

		var fresh models.Check
		if err := tx.First(&fresh, chk.ID).Error; err != nil {
			return err
		}
		if fresh.CurrentActivations >= fresh.MaxActivations {
			if err := tx.Model(&fresh).Update("is_active", false).Error; err != nil {
				return err
			}
			fresh.IsActive = false
			// Residual is zero here unless activation accounting drifted;
			// release whatever is left either way.
			if residual := fresh.Residual(); residual > 0 {
				if _, err := e.ledger.WithTx(tx).Unfreeze(ctx, fresh.CreatedByID, residual, "check exhausted"); err != nil {
					return err
				}
			}
			result.Exhausted = true
		}
		result.Check = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.WithUserID(redeemerID).WithField("check", chk.Code).WithField("amount", chk.Amount).Info("Check activated")

	// Derived effects: never roll back the redemption, never surface to the
	// redeemer.
	if e.effects != nil {
		if err := e.effects.EnqueueReferralBonus(ctx, redeemerID, chk.Amount); err != nil {
			e.log.WithUserID(redeemerID).Errorf("Failed to enqueue referral bonus: %v", err)
		}
	}
	if e.notifier != nil {
		e.notifier.CheckRedeemed(ctx, result.Check, redeemerID, result.Exhausted)
	}
	return result, nil
}

// Revoke deactivates a check and releases its unspent frozen funds back to
// the creator. Used by admin revocation and by expiry observation. Exhausted
// and already-revoked checks return ErrInactive.
func (e *Engine) Revoke(ctx context.Context, checkID uint, reason string) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Check{}).
			Where("id = ? AND is_active = ?", checkID, true).
			Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var chk models.Check
			if err := tx.First(&chk, checkID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			return ErrInactive
		}
		// Residual comes from the row as it stands after deactivation; an
		// activation that committed just before the update cannot inflate it.
		var chk models.Check
		if err := tx.First(&chk, checkID).Error; err != nil {
			return err
		}
		if residual := chk.Residual(); residual > 0 {
			if _, err := e.ledger.WithTx(tx).Unfreeze(ctx, chk.CreatedByID, residual, "check revoked: "+reason); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		e.log.WithField("check_id", checkID).WithField("reason", reason).Info("Check revoked")
	}
	return err
}

// GetByCode loads a check by its public code.
func (e *Engine) GetByCode(ctx context.Context, code string) (*models.Check, error) {
	var chk models.Check
	if err := e.db.WithContext(ctx).Where("code = ?", code).First(&chk).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &chk, nil
}

// ListByCreator returns a user's checks, newest first.
func (e *Engine) ListByCreator(ctx context.Context, creatorID uint) ([]models.Check, error) {
	var checks []models.Check
	err := e.db.WithContext(ctx).
		Where("created_by_id = ?", creatorID).
		Order("created_at DESC").
		Find(&checks).Error
	return checks, err
}

func (e *Engine) getUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := e.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyRedeemed):
		return "already_redeemed"
	case errors.Is(err, ErrMaxActivations):
		return "exhausted"
	case errors.Is(err, ErrInactive):
		return "inactive"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		var condErr *ConditionsError
		if errors.As(err, &condErr) {
			return "conditions_not_met"
		}
		return "error"
	}
}
