package worker

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"prgram-bot/internal/check"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/models"
)

// Checker is the background worker that observes check expiries: it
// deactivates checks whose deadline passed and releases their residual
// frozen funds back to the creators.
type Checker struct {
	DB       *gorm.DB
	Engine   *check.Engine
	Log      *logger.Logger
	Interval time.Duration
}

func NewChecker(db *gorm.DB, engine *check.Engine, log *logger.Logger) *Checker {
	return &Checker{
		DB:       db,
		Engine:   engine,
		Log:      log,
		Interval: 10 * time.Minute,
	}
}

func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	c.Log.Info("Background check expiry worker started")

	// Run once at start
	c.expireChecks(ctx)

	for {
		select {
		case <-ctx.Done():
			c.Log.Info("Check expiry worker stopped")
			return
		case <-ticker.C:
			c.expireChecks(ctx)
		}
	}
}

func (c *Checker) expireChecks(ctx context.Context) {
	now := time.Now()

	var expired []models.Check
	if err := c.DB.WithContext(ctx).
		Where("is_active = ? AND expires_at IS NOT NULL AND expires_at < ?", true, now).
		Find(&expired).Error; err != nil {
		c.Log.Errorf("Error querying expired checks: %v", err)
		return
	}

	for _, chk := range expired {
		err := c.Engine.Revoke(ctx, chk.ID, "expired")
		if err != nil && !errors.Is(err, check.ErrInactive) {
			c.Log.WithCheck(chk.Code).Errorf("Failed to revoke expired check: %v", err)
			continue
		}
		c.Log.WithCheck(chk.Code).Info("Expired check revoked")
	}
}
