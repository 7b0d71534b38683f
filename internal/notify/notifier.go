package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"gorm.io/gorm"

	"prgram-bot/internal/level"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/metrics"
	"prgram-bot/internal/models"
)

var levelTitles = map[level.Level]string{
	level.Bronze:  "🥉 Бронза",
	level.Silver:  "🥈 Серебро",
	level.Gold:    "🥇 Золото",
	level.Premium: "💎 Премиум",
}

// Telegram delivers best-effort notifications. Delivery failures are logged
// and counted, never returned: a missed message must not affect a committed
// ledger mutation.
type Telegram struct {
	bot     *telego.Bot
	db      *gorm.DB
	metrics *metrics.Metrics
	log     *logger.Logger
}

func NewTelegram(bot *telego.Bot, db *gorm.DB, m *metrics.Metrics, log *logger.Logger) *Telegram {
	return &Telegram{
		bot:     bot,
		db:      db,
		metrics: m,
		log:     log,
	}
}

// Send delivers a plain message to a Telegram chat, swallowing errors.
func (t *Telegram) Send(ctx context.Context, telegramID int64, text string) {
	_, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(telegramID), text))
	if err != nil {
		t.metrics.ObserveNotifyFailure()
		t.log.WithField("telegram_id", telegramID).Warnf("Failed to send notification: %v", err)
	}
}

func (t *Telegram) LevelChanged(ctx context.Context, user *models.User, from, to level.Level) {
	title, ok := levelTitles[to]
	if !ok {
		title = string(to)
	}
	var text string
	if to.Rank() > from.Rank() {
		text = fmt.Sprintf("🎉 Поздравляем! Ваш уровень повышен: %s\nРеферальный бонус теперь выше.", title)
	} else {
		text = fmt.Sprintf("📉 Ваш уровень изменён: %s", title)
	}
	t.Send(ctx, user.TelegramID, text)
}

func (t *Telegram) CheckRedeemed(ctx context.Context, check *models.Check, redeemerID uint, exhausted bool) {
	var creator models.User
	if err := t.db.First(&creator, check.CreatedByID).Error; err != nil {
		t.log.Warnf("Failed to load check creator %d: %v", check.CreatedByID, err)
		return
	}
	text := fmt.Sprintf("✅ Ваш чек активирован!\n💸 Выплата: %d GRAM\n📊 Активаций: %d/%d",
		check.Amount, check.CurrentActivations, check.MaxActivations)
	if exhausted {
		text += "\n\n🏁 Чек полностью использован."
	}
	t.Send(ctx, creator.TelegramID, text)
}

func (t *Telegram) ReferralBonus(ctx context.Context, referrer *models.User, amount int64) {
	t.Send(ctx, referrer.TelegramID,
		fmt.Sprintf("💰 Вам начислен реферальный бонус: %d GRAM за заработок друга!", amount))
}
