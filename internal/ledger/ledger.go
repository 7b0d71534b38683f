package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"prgram-bot/internal/level"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/metrics"
	"prgram-bot/internal/models"
)

// Notifier receives fire-and-forget events after a ledger mutation commits.
// Implementations must swallow delivery failures.
type Notifier interface {
	LevelChanged(ctx context.Context, user *models.User, from, to level.Level)
}

// Funds is a snapshot of a user's balance pools after an operation.
type Funds struct {
	Balance int64
	Frozen  int64
}

func (f Funds) Available() int64 {
	return f.Balance - f.Frozen
}

// Service is the sole authority over User.Balance/FrozenBalance and the
// Transaction audit log. Every public operation is one database transaction:
// either the balance update and its transaction record both commit, or
// neither does. Concurrency control is delegated to the store: guards are
// conditional UPDATEs checked via RowsAffected, so two racing debits can
// never drive the available balance negative.
type Service struct {
	db       *gorm.DB
	levels   *level.Evaluator
	notifier Notifier
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func New(db *gorm.DB, levels *level.Evaluator, notifier Notifier, m *metrics.Metrics, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		levels:   levels,
		notifier: notifier,
		metrics:  m,
		log:      log,
	}
}

// WithTx returns a copy of the service whose operations join tx instead of
// opening their own transaction. Used by the check engine to compose freeze
// and payout with its own row changes into one atomic unit.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	clone := *s
	clone.db = tx
	return &clone
}

// Credit increases the available balance and appends an earn-side
// transaction record.
func (s *Service) Credit(ctx context.Context, userID uint, amount int64, txType models.TxType, description string, meta map[string]string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if !txType.Credits() {
		return 0, fmt.Errorf("transaction type %q cannot credit", txType)
	}
	var ch change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ch, err = s.creditTx(tx, userID, amount, txType, description, meta)
		return err
	})
	s.metrics.ObserveLedgerOp("credit", err)
	if err != nil {
		return 0, err
	}
	s.notifyLevelChange(ctx, ch)
	return ch.user.Balance, nil
}

// Debit decreases the available balance, failing with ErrInsufficientFunds
// when balance - frozenBalance < amount. The guard and the write are the
// same UPDATE statement, so the balance can never go negative under races.
func (s *Service) Debit(ctx context.Context, userID uint, amount int64, txType models.TxType, description string, meta map[string]string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	if txType.Credits() {
		return 0, fmt.Errorf("transaction type %q cannot debit", txType)
	}
	var ch change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ch, err = s.debitTx(tx, userID, amount, txType, description, meta)
		return err
	})
	s.metrics.ObserveLedgerOp("debit", err)
	if err != nil {
		return 0, err
	}
	s.notifyLevelChange(ctx, ch)
	return ch.user.Balance, nil
}

// Adjust dispatches to Credit or Debit by the sign of amount. Admin balance
// edits and penalty flows use this.
func (s *Service) Adjust(ctx context.Context, userID uint, amount int64, description string, meta map[string]string) (int64, error) {
	if amount == 0 {
		user, err := getUser(s.db.WithContext(ctx), userID)
		if err != nil {
			return 0, err
		}
		return user.Balance, nil
	}
	if amount > 0 {
		return s.Credit(ctx, userID, amount, models.TxBonus, description, meta)
	}
	return s.Debit(ctx, userID, -amount, models.TxPenalty, description, meta)
}

// Freeze moves amount from available to frozen, reserving it for a check's
// maximum payout. The total balance does not change.
func (s *Service) Freeze(ctx context.Context, userID uint, amount int64, reason string) (Funds, error) {
	if amount <= 0 {
		return Funds{}, fmt.Errorf("freeze amount must be positive, got %d", amount)
	}
	var funds Funds
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND balance - frozen_balance >= ?", userID, amount).
			Update("frozen_balance", gorm.Expr("frozen_balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := getUser(tx, userID); err != nil {
				return err
			}
			return ErrInsufficientFunds
		}
		user, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		funds = Funds{Balance: user.Balance, Frozen: user.FrozenBalance}
		s.log.WithUserID(userID).WithField("amount", amount).WithField("reason", reason).Debug("Funds frozen")
		return nil
	})
	s.metrics.ObserveLedgerOp("freeze", err)
	return funds, err
}

// Unfreeze moves amount from frozen back to available. ErrInvalidState here
// means a caller tried to release more than is reserved, which is a bug, not
// user input.
func (s *Service) Unfreeze(ctx context.Context, userID uint, amount int64, reason string) (Funds, error) {
	if amount <= 0 {
		return Funds{}, fmt.Errorf("unfreeze amount must be positive, got %d", amount)
	}
	var funds Funds
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND frozen_balance >= ?", userID, amount).
			Update("frozen_balance", gorm.Expr("frozen_balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := getUser(tx, userID); err != nil {
				return err
			}
			return fmt.Errorf("%w: unfreeze of %d exceeds frozen balance", ErrInvalidState, amount)
		}
		user, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		funds = Funds{Balance: user.Balance, Frozen: user.FrozenBalance}
		return nil
	})
	s.metrics.ObserveLedgerOp("unfreeze", err)
	if errors.Is(err, ErrInvalidState) {
		s.log.WithUserID(userID).WithField("amount", amount).WithField("reason", reason).Error("Unfreeze exceeds frozen balance")
	}
	return funds, err
}

// Transfer debits the sender and credits the receiver as one atomic unit.
// No partial effect survives an insufficient sender balance.
func (s *Service) Transfer(ctx context.Context, fromID, toID uint, amount int64, description string, meta map[string]string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	var out, in change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if out, err = s.debitTx(tx, fromID, amount, models.TxSpend, description, meta); err != nil {
			return err
		}
		in, err = s.creditTx(tx, toID, amount, models.TxEarn, description, meta)
		return err
	})
	s.metrics.ObserveLedgerOp("transfer", err)
	if err != nil {
		return err
	}
	s.notifyLevelChange(ctx, out)
	s.notifyLevelChange(ctx, in)
	return nil
}

// TransferFrozen pays the receiver out of the sender's frozen pool: the
// sender's balance and frozen balance both drop by amount, the receiver's
// balance grows by it. This is how a check activation moves money — the
// payout comes from funds reserved at check creation, never from the
// creator's available balance.
func (s *Service) TransferFrozen(ctx context.Context, fromID, toID uint, amount int64, description string, meta map[string]string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	var out, in change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND frozen_balance >= ? AND balance >= ?", fromID, amount, amount).
			Updates(map[string]interface{}{
				"balance":        gorm.Expr("balance - ?", amount),
				"frozen_balance": gorm.Expr("frozen_balance - ?", amount),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := getUser(tx, fromID); err != nil {
				return err
			}
			return fmt.Errorf("%w: frozen payout of %d exceeds reserved funds", ErrInvalidState, amount)
		}
		if err := appendRecord(tx, fromID, models.TxSpend, amount, description, meta); err != nil {
			return err
		}
		sender, err := getUser(tx, fromID)
		if err != nil {
			return err
		}
		if out, err = s.applyLevel(tx, sender); err != nil {
			return err
		}
		in, err = s.creditTx(tx, toID, amount, models.TxEarn, description, meta)
		return err
	})
	s.metrics.ObserveLedgerOp("transfer_frozen", err)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			s.log.WithUserID(fromID).WithField("amount", amount).Error("Frozen payout exceeds reserved funds")
		}
		return err
	}
	s.notifyLevelChange(ctx, out)
	s.notifyLevelChange(ctx, in)
	return nil
}

// Available returns balance minus frozen balance.
func (s *Service) Available(ctx context.Context, userID uint) (int64, error) {
	user, err := getUser(s.db.WithContext(ctx), userID)
	if err != nil {
		return 0, err
	}
	return user.Available(), nil
}

// CanAfford reports whether the user's available balance covers amount.
func (s *Service) CanAfford(ctx context.Context, userID uint, amount int64) (bool, error) {
	available, err := s.Available(ctx, userID)
	if err != nil {
		return false, err
	}
	return available >= amount, nil
}

// History returns the newest transaction records for a user.
func (s *Service) History(ctx context.Context, userID uint, limit int) ([]models.Transaction, error) {
	var records []models.Transaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// change captures the outcome of a single-user mutation so notifications can
// be dispatched after the transaction commits.
type change struct {
	user         models.User
	from, to     level.Level
	levelChanged bool
}

func (s *Service) creditTx(tx *gorm.DB, userID uint, amount int64, txType models.TxType, description string, meta map[string]string) (change, error) {
	res := tx.Model(&models.User{}).
		Where("id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return change{}, res.Error
	}
	if res.RowsAffected == 0 {
		return change{}, ErrNotFound
	}
	if err := appendRecord(tx, userID, txType, amount, description, meta); err != nil {
		return change{}, err
	}
	// Level runs off the stored balance, not a locally summed one, so a
	// concurrent credit never leaves a promotion lagging.
	user, err := getUser(tx, userID)
	if err != nil {
		return change{}, err
	}
	return s.applyLevel(tx, user)
}

func (s *Service) debitTx(tx *gorm.DB, userID uint, amount int64, txType models.TxType, description string, meta map[string]string) (change, error) {
	res := tx.Model(&models.User{}).
		Where("id = ? AND balance - frozen_balance >= ?", userID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return change{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := getUser(tx, userID); err != nil {
			return change{}, err
		}
		return change{}, ErrInsufficientFunds
	}
	if err := appendRecord(tx, userID, txType, amount, description, meta); err != nil {
		return change{}, err
	}
	user, err := getUser(tx, userID)
	if err != nil {
		return change{}, err
	}
	return s.applyLevel(tx, user)
}

// applyLevel re-evaluates the user's tier against the new balance inside the
// same transaction as the balance change.
func (s *Service) applyLevel(tx *gorm.DB, user *models.User) (change, error) {
	ch := change{user: *user, from: user.Level, to: user.Level}
	next := s.levels.Next(user.Level, user.Balance)
	if next == user.Level {
		return ch, nil
	}
	if err := tx.Model(user).Update("level", next).Error; err != nil {
		return ch, err
	}
	ch.to = next
	ch.levelChanged = true
	ch.user.Level = next
	return ch, nil
}

func (s *Service) notifyLevelChange(ctx context.Context, ch change) {
	if !ch.levelChanged || s.notifier == nil {
		return
	}
	s.notifier.LevelChanged(ctx, &ch.user, ch.from, ch.to)
}

func getUser(tx *gorm.DB, userID uint) (*models.User, error) {
	var user models.User
	if err := tx.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func appendRecord(tx *gorm.DB, userID uint, txType models.TxType, amount int64, description string, meta map[string]string) error {
	return tx.Create(&models.Transaction{
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Description: description,
		Metadata:    meta,
	}).Error
}
