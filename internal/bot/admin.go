package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"prgram-bot/internal/check"
	"prgram-bot/internal/ledger"
	"prgram-bot/internal/models"
)

// registerAdminHandlers wires the operator commands. Every handler is gated
// by the admin allowlist from config; non-admins get silence, not an error.
func (b *Bot) registerAdminHandlers(handler *th.BotHandler) {
	// /grant <telegram_id> <amount> — manual balance adjustment, negative allowed
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		if !b.Cfg.IsAdmin(message.From.ID) {
			return nil
		}

		parts := strings.Fields(message.Text)
		if len(parts) != 3 {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "Использование: /grant <telegram_id> <amount>"))
			return nil
		}
		targetID, err1 := strconv.ParseInt(parts[1], 10, 64)
		amount, err2 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Некорректные аргументы."))
			return nil
		}

		target, err := b.userByTelegramID(targetID)
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Пользователь не найден."))
			return nil
		}

		balance, err := b.Ledger.Adjust(ctx.Context(), target.ID, amount, "корректировка администратором", nil)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Недостаточно средств для списания."))
				return nil
			}
			b.Log.Errorf("Admin grant failed: %v", err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Операция не выполнена."))
			return nil
		}

		b.Log.WithUserID(target.ID).WithField("amount", amount).WithField("admin", message.From.ID).Info("Admin balance adjustment")
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID),
			fmt.Sprintf("✅ Баланс пользователя %d изменён на %+d. Новый баланс: %d GRAM.", targetID, amount, balance)))
		return nil
	}, th.CommandEqual("grant"))

	// /ban <telegram_id>
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.setBanned(ctx, update.Message, true)
		return nil
	}, th.CommandEqual("ban"))

	// /unban <telegram_id>
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.setBanned(ctx, update.Message, false)
		return nil
	}, th.CommandEqual("unban"))

	// /revoke <code> — deactivate a check, residual funds return to creator
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		if !b.Cfg.IsAdmin(message.From.ID) {
			return nil
		}

		parts := strings.Fields(message.Text)
		if len(parts) != 2 {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "Использование: /revoke <code>"))
			return nil
		}

		chk, err := b.Engine.GetByCode(ctx.Context(), parts[1])
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Чек не найден."))
			return nil
		}
		if err := b.Engine.Revoke(ctx.Context(), chk.ID, "admin"); err != nil {
			if errors.Is(err, check.ErrInactive) {
				_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Чек уже неактивен."))
				return nil
			}
			b.Log.WithCheck(chk.Code).Errorf("Admin revoke failed: %v", err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Операция не выполнена."))
			return nil
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID),
			fmt.Sprintf("✅ Чек `%s` отозван, остаток разморожен.", chk.Code)).WithParseMode(telego.ModeMarkdown))
		return nil
	}, th.CommandEqual("revoke"))

	// /broadcast <text> — fan-out goes through the task queue
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		if !b.Cfg.IsAdmin(message.From.ID) {
			return nil
		}

		text := strings.TrimSpace(strings.TrimPrefix(message.Text, "/broadcast"))
		if text == "" {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "Использование: /broadcast <текст>"))
			return nil
		}

		if err := b.Tasks.EnqueueBroadcast(ctx.Context(), text); err != nil {
			b.Log.Errorf("Failed to enqueue broadcast: %v", err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Не удалось поставить рассылку в очередь."))
			return nil
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "✅ Рассылка поставлена в очередь."))
		return nil
	}, th.CommandEqual("broadcast"))

	// /approve <withdrawal_id>
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.resolveWithdrawal(ctx, update.Message, true)
		return nil
	}, th.CommandEqual("approve"))

	// /reject <withdrawal_id> — refunds the debited amount
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.resolveWithdrawal(ctx, update.Message, false)
		return nil
	}, th.CommandEqual("reject"))
}

func (b *Bot) setBanned(ctx *th.Context, message *telego.Message, banned bool) {
	if !b.Cfg.IsAdmin(message.From.ID) {
		return
	}

	parts := strings.Fields(message.Text)
	if len(parts) != 2 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "Использование: /ban|/unban <telegram_id>"))
		return
	}
	targetID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Некорректный telegram_id."))
		return
	}

	res := b.DB.Model(&models.User{}).Where("telegram_id = ?", targetID).Update("banned", banned)
	if res.Error != nil || res.RowsAffected == 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Пользователь не найден."))
		return
	}

	verb := "разблокирован"
	if banned {
		verb = "заблокирован"
	}
	b.Log.WithField("telegram_id", targetID).WithField("banned", banned).WithField("admin", message.From.ID).Info("Admin ban toggle")
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID),
		fmt.Sprintf("✅ Пользователь %d %s.", targetID, verb)))
}

// resolveWithdrawal settles a pending withdrawal. The status update is
// guarded on pending so a double /approve cannot refund or pay twice.
func (b *Bot) resolveWithdrawal(ctx *th.Context, message *telego.Message, approve bool) {
	if !b.Cfg.IsAdmin(message.From.ID) {
		return
	}

	parts := strings.Fields(message.Text)
	if len(parts) != 2 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "Использование: /approve|/reject <id>"))
		return
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Некорректный номер заявки."))
		return
	}

	var withdrawal models.Withdrawal
	if err := b.DB.First(&withdrawal, uint(id)).Error; err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Заявка не найдена."))
		return
	}

	status := models.WithdrawalRejected
	if approve {
		status = models.WithdrawalApproved
	}
	res := b.DB.Model(&models.Withdrawal{}).
		Where("id = ? AND status = ?", withdrawal.ID, models.WithdrawalPending).
		Update("status", status)
	if res.Error != nil {
		b.Log.Errorf("Failed to update withdrawal: %v", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "❌ Заявка уже обработана."))
		return
	}

	if !approve {
		if _, err := b.Ledger.Credit(ctx.Context(), withdrawal.UserID, withdrawal.Amount, models.TxRefund,
			"возврат по заявке на вывод", map[string]string{"withdrawal_id": parts[1]}); err != nil {
			b.Log.WithUserID(withdrawal.UserID).Errorf("Withdrawal refund failed: %v", err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID), "⚠️ Статус обновлён, но возврат не прошёл. Проверьте вручную."))
			return
		}
	}

	b.Log.WithUserID(withdrawal.UserID).
		WithField("withdrawal_id", withdrawal.ID).
		WithField("approved", approve).
		WithField("admin", message.From.ID).
		Info("Withdrawal resolved")
	verdict := "отклонена, средства возвращены"
	if approve {
		verdict = "одобрена"
	}
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.From.ID),
		fmt.Sprintf("✅ Заявка №%d %s.", withdrawal.ID, verdict)))
}
