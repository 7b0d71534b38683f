package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"prgram-bot/internal/logger"
	"prgram-bot/internal/metrics"
	"prgram-bot/internal/models"
	"prgram-bot/internal/referral"
)

// Sender is the outbound message channel used by broadcasts.
type Sender interface {
	Send(ctx context.Context, telegramID int64, text string)
}

// Handler processes derived-effect tasks off the queue.
type Handler struct {
	db        *gorm.DB
	referrals *referral.Service
	sender    Sender
	pause     time.Duration
	metrics   *metrics.Metrics
	log       *logger.Logger
}

func NewHandler(db *gorm.DB, referrals *referral.Service, sender Sender, pause time.Duration, m *metrics.Metrics, log *logger.Logger) *Handler {
	return &Handler{
		db:        db,
		referrals: referrals,
		sender:    sender,
		pause:     pause,
		metrics:   m,
		log:       log,
	}
}

// Mux routes task types to their handlers.
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReferralBonus, h.HandleReferralBonus)
	mux.HandleFunc(TypeBroadcast, h.HandleBroadcast)
	return mux
}

func (h *Handler) HandleReferralBonus(ctx context.Context, t *asynq.Task) error {
	var payload ReferralBonusPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.log.Errorf("Malformed referral bonus payload: %v", err)
		return nil // retrying will not fix a bad payload
	}
	if err := h.referrals.AwardEarningBonus(ctx, payload.EarnerID, payload.Earned); err != nil {
		h.log.WithUserID(payload.EarnerID).Errorf("Referral bonus failed: %v", err)
		return err
	}
	return nil
}

// HandleBroadcast fans an admin message out to every non-banned user, pacing
// sends to stay under the Bot API rate limit.
func (h *Handler) HandleBroadcast(ctx context.Context, t *asynq.Task) error {
	var payload BroadcastPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.log.Errorf("Malformed broadcast payload: %v", err)
		return nil
	}

	var users []models.User
	if err := h.db.WithContext(ctx).Where("banned = ?", false).Find(&users).Error; err != nil {
		return err
	}

	sent := 0
	for _, user := range users {
		select {
		case <-ctx.Done():
			h.log.Warnf("Broadcast interrupted after %d of %d users", sent, len(users))
			return ctx.Err()
		default:
		}
		h.sender.Send(ctx, user.TelegramID, payload.Message)
		h.metrics.ObserveBroadcast()
		sent++
		time.Sleep(h.pause)
	}

	h.log.WithField("recipients", sent).Info("Broadcast delivered")
	return nil
}
