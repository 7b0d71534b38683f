package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"gorm.io/gorm"

	"prgram-bot/internal/ledger"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/models"
	"prgram-bot/internal/utils"
)

// Sender delivers a message to a Telegram user, best-effort.
type Sender interface {
	Send(ctx context.Context, telegramID int64, text string)
}

// EffectQueue dispatches the referral bonus cascade after a top-up credits.
type EffectQueue interface {
	EnqueueReferralBonus(ctx context.Context, earnerID uint, earned int64) error
}

// Handler receives YooKassa webhooks and turns successful payments into
// ledger credits. The payments table's unique external id makes redelivered
// notifications no-ops.
type Handler struct {
	db           *gorm.DB
	ledger       *ledger.Service
	effects      EffectQueue
	sender       Sender
	allowedCIDRs []string
	log          *logger.Logger
}

func NewHandler(db *gorm.DB, lg *ledger.Service, effects EffectQueue, sender Sender, allowedCIDRs []string, log *logger.Logger) *Handler {
	return &Handler{
		db:           db,
		ledger:       lg,
		effects:      effects,
		sender:       sender,
		allowedCIDRs: allowedCIDRs,
		log:          log,
	}
}

func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if ip := utils.RemoteIP(r.RemoteAddr); !utils.IsAllowedIP(ip, h.allowedCIDRs) {
		h.log.WithField("ip", ip).Warn("Webhook from unexpected source rejected")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var notification WebhookNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		h.log.Errorf("Failed to decode webhook: %v", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if notification.Event != "payment.succeeded" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.processSuccess(r.Context(), notification.Object); err != nil {
		h.log.Errorf("Failed to process payment %s: %v", notification.Object.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) processSuccess(ctx context.Context, obj WebhookObject) error {
	telegramID, err := strconv.ParseInt(obj.Metadata["telegram_id"], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram_id in metadata: %w", err)
	}
	gram, err := strconv.ParseInt(obj.Metadata["gram"], 10, 64)
	if err != nil || gram <= 0 {
		return fmt.Errorf("invalid gram amount in metadata: %q", obj.Metadata["gram"])
	}

	var user models.User
	if err := h.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		return fmt.Errorf("failed to find user %d: %w", telegramID, err)
	}

	// The claim on the payment id and the credit commit together: a failed
	// credit releases the claim so a redelivery can retry, a redelivery
	// after success stops at the unique index.
	record := models.Payment{
		UserID:     user.ID,
		Amount:     gram,
		Status:     models.PaymentSucceeded,
		ExternalID: obj.ID,
	}
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		_, err := h.ledger.WithTx(tx).Credit(ctx, user.ID, gram, models.TxEarn, "пополнение баланса",
			map[string]string{"payment_id": obj.ID})
		return err
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			h.log.WithField("payment_id", obj.ID).Info("Duplicate webhook ignored")
			return nil
		}
		return fmt.Errorf("failed to credit top-up: %w", err)
	}

	h.log.WithUserID(user.ID).WithField("amount", gram).WithField("payment_id", obj.ID).Info("Top-up credited")

	if h.effects != nil {
		if err := h.effects.EnqueueReferralBonus(ctx, user.ID, gram); err != nil {
			h.log.WithUserID(user.ID).Errorf("Failed to enqueue referral bonus: %v", err)
		}
	}
	if h.sender != nil {
		h.sender.Send(ctx, user.TelegramID, fmt.Sprintf("✅ Баланс пополнен на %d GRAM!", gram))
	}
	return nil
}

// Serve runs the webhook endpoint on addr. Blocks.
func (h *Handler) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/yookassa", h.HandleWebhook)
	return http.ListenAndServe(addr, mux)
}
