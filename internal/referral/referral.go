package referral

import (
	"context"
	"errors"
	"strconv"

	"gorm.io/gorm"

	"prgram-bot/internal/ledger"
	"prgram-bot/internal/level"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/models"
)

// Notifier tells a referrer about a paid bonus. Best-effort.
type Notifier interface {
	ReferralBonus(ctx context.Context, referrer *models.User, amount int64)
}

// Service pays the referral cascade: when an invited user earns GRAM, their
// inviter receives a share sized by the inviter's level. The cascade is a
// derived effect — it runs after the earning commits and its failure never
// touches the primary mutation.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	levels   *level.Evaluator
	notifier Notifier
	log      *logger.Logger
}

func New(db *gorm.DB, lg *ledger.Service, levels *level.Evaluator, notifier Notifier, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		ledger:   lg,
		levels:   levels,
		notifier: notifier,
		log:      log,
	}
}

// AwardEarningBonus credits the earner's referrer with their level's share
// of earned. No-op when the earner has no referrer, the referrer is banned,
// or the share rounds down to zero.
func (s *Service) AwardEarningBonus(ctx context.Context, earnerID uint, earned int64) error {
	var earner models.User
	if err := s.db.WithContext(ctx).First(&earner, earnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrNotFound
		}
		return err
	}
	if earner.ReferrerID == nil {
		return nil
	}

	var referrer models.User
	if err := s.db.WithContext(ctx).First(&referrer, *earner.ReferrerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Referrer row gone is a weak reference breaking, not a failure.
			return nil
		}
		return err
	}
	if referrer.Banned {
		return nil
	}

	bonus := int64(float64(earned) * s.levels.ReferralRate(referrer.Level))
	if bonus <= 0 {
		return nil
	}

	_, err := s.ledger.Credit(ctx, referrer.ID, bonus, models.TxReferral, "реферальный бонус",
		map[string]string{"invited_user_id": strconv.FormatUint(uint64(earner.ID), 10)})
	if err != nil {
		return err
	}

	s.log.WithUserID(referrer.ID).WithField("bonus", bonus).WithField("earner_id", earner.ID).Info("Referral bonus paid")
	if s.notifier != nil {
		s.notifier.ReferralBonus(ctx, &referrer, bonus)
	}
	return nil
}

// Stats summarizes a user's referral performance for the partner screen.
type Stats struct {
	Invited     int64
	TotalEarned int64
}

func (s *Service) StatsFor(ctx context.Context, userID uint) (Stats, error) {
	var stats Stats
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("referrer_id = ?", userID).
		Count(&stats.Invited).Error; err != nil {
		return stats, err
	}
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("user_id = ? AND type = ?", userID, models.TxReferral).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&stats.TotalEarned).Error
	return stats, err
}
