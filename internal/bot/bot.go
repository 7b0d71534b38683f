package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"gorm.io/gorm"

	"prgram-bot/internal/check"
	"prgram-bot/internal/config"
	"prgram-bot/internal/ledger"
	"prgram-bot/internal/level"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/models"
	"prgram-bot/internal/payment"
	"prgram-bot/internal/referral"
	"prgram-bot/internal/tasks"
)

type Bot struct {
	Instance  *telego.Bot
	DB        *gorm.DB
	Ledger    *ledger.Service
	Engine    *check.Engine
	Referrals *referral.Service
	Payments  *payment.Client
	Tasks     *tasks.Client
	Sessions  *Sessions
	Cfg       *config.Config
	Log       *logger.Logger
}

func NewBot(instance *telego.Bot, db *gorm.DB, lg *ledger.Service, engine *check.Engine, referrals *referral.Service, payments *payment.Client, taskClient *tasks.Client, sessions *Sessions, cfg *config.Config, log *logger.Logger) *Bot {
	return &Bot{
		Instance:  instance,
		DB:        db,
		Ledger:    lg,
		Engine:    engine,
		Referrals: referrals,
		Payments:  payments,
		Tasks:     taskClient,
		Sessions:  sessions,
		Cfg:       cfg,
		Log:       log,
	}
}

func (b *Bot) Start() {
	updates, _ := b.Instance.UpdatesViaLongPolling(context.Background(), nil)

	handler, _ := th.NewBotHandler(b.Instance, updates)

	// /start command: registration, referral binding, deep links
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		args := ""
		if parts := strings.Split(message.Text, " "); len(parts) > 1 {
			args = parts[1]
		}

		user, err := b.findOrCreateUser(ctx.Context(), message.From)
		if err != nil {
			b.Log.Errorf("Failed to get/create user: %v", err)
			return nil
		}
		if user.Banned {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "⛔ Ваш аккаунт заблокирован."))
			return nil
		}

		// Check deep link: t.me/<bot>?start=c_<code>
		if code, ok := strings.CutPrefix(args, "c_"); ok {
			b.attemptActivation(ctx, user, code, "")
			return nil
		}

		b.bindReferrer(ctx.Context(), user, args)

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			fmt.Sprintf("Привет, %s! 👋\n\nPR GRAM — выполняй задания, зарабатывай GRAM и делись чеками с друзьями.", message.From.FirstName),
		).WithReplyMarkup(b.mainMenu()))
		return nil
	}, th.CommandEqual("start"))

	// Profile
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		user, err := b.userByTelegramID(telegramID)
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Ошибка: пользователь не найден."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		msg := fmt.Sprintf("👤 *Личный кабинет*\n\n"+
			"🔹 ID: `%d`\n"+
			"💰 Баланс: %d GRAM\n"+
			"✅ Доступно: %d GRAM\n"+
			"🧊 Заморожено: %d GRAM\n"+
			"🏅 Уровень: %s",
			telegramID, user.Balance, user.Available(), user.FrozenBalance, user.Level)

		if history, err := b.Ledger.History(ctx.Context(), user.ID, 5); err == nil && len(history) > 0 {
			msg += "\n\n📜 *Последние операции:*"
			for _, record := range history {
				sign := "+"
				if !record.Type.Credits() {
					sign = "-"
				}
				msg += fmt.Sprintf("\n%s%d GRAM — %s", sign, record.Amount, record.Description)
			}
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).
			WithParseMode(telego.ModeMarkdown).
			WithReplyMarkup(tu.InlineKeyboard(
				tu.InlineKeyboardRow(
					tu.InlineKeyboardButton("💸 Вывод средств").WithCallbackData("withdraw"),
				),
				tu.InlineKeyboardRow(
					tu.InlineKeyboardButton("« Назад").WithCallbackData("start_back"),
				),
			)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("profile"))

	// Check creation wizard, step 1: payout amount
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.CallbackQuery.From.ID

		if err := b.Sessions.Set(ctx.Context(), telegramID, &Session{State: StateCheckAmount}); err != nil {
			b.Log.Errorf("Failed to save session: %v", err)
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
			fmt.Sprintf("🧾 Создание чека.\n\nВведите сумму выплаты за одну активацию (от %d до %d GRAM):",
				b.Cfg.Economy.CheckMinAmount, b.Cfg.Economy.CheckMaxAmount)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(update.CallbackQuery.ID))
		return nil
	}, th.CallbackDataEqual("check_create"))

	// My checks
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		user, err := b.userByTelegramID(telegramID)
		if err != nil {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		checks, err := b.Engine.ListByCreator(ctx.Context(), user.ID)
		if err != nil || len(checks) == 0 {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "📋 У вас пока нет чеков."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		msg := "📋 *Ваши чеки:*\n"
		for _, chk := range checks {
			status := "🟢 активен"
			if !chk.IsActive {
				status = "⚪ завершён"
			}
			msg += fmt.Sprintf("\n`%s`\n💸 %d GRAM × %d/%d — %s\n",
				chk.Code, chk.Amount, chk.CurrentActivations, chk.MaxActivations, status)
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("my_checks"))

	// Referral program
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		user, err := b.userByTelegramID(telegramID)
		if err != nil {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		stats, err := b.Referrals.StatsFor(ctx.Context(), user.ID)
		if err != nil {
			b.Log.Errorf("Failed to load referral stats: %v", err)
		}

		refLink := fmt.Sprintf("https://t.me/%s?start=%s", b.botUsername(ctx.Context()), user.ReferralCode)

		msg := fmt.Sprintf("🤝 *Партнёрская программа*\n\n"+
			"Приглашай друзей и получай процент с их заработка!\n\n"+
			"👥 Приглашено: %d\n"+
			"💰 Заработано: %d GRAM\n\n"+
			"🔗 *Твоя ссылка:*\n`%s`", stats.Invited, stats.TotalEarned, refLink)

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).
			WithParseMode(telego.ModeMarkdown).
			WithReplyMarkup(tu.InlineKeyboard(
				tu.InlineKeyboardRow(
					tu.InlineKeyboardButton("« Назад").WithCallbackData("start_back"),
				),
			)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("referral"))

	// Withdraw request
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.CallbackQuery.From.ID

		if err := b.Sessions.Set(ctx.Context(), telegramID, &Session{State: StateWithdrawAmount}); err != nil {
			b.Log.Errorf("Failed to save session: %v", err)
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
			fmt.Sprintf("💸 Введите сумму вывода (минимум %d GRAM):", b.Cfg.Economy.WithdrawMin)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(update.CallbackQuery.ID))
		return nil
	}, th.CallbackDataEqual("withdraw"))

	// Top-up request
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.CallbackQuery.From.ID

		if err := b.Sessions.Set(ctx.Context(), telegramID, &Session{State: StateTopupAmount}); err != nil {
			b.Log.Errorf("Failed to save session: %v", err)
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
			fmt.Sprintf("💳 Введите сумму пополнения в GRAM (минимум %d, 1 GRAM = 1₽):", b.Cfg.Economy.TopupMin)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(update.CallbackQuery.ID))
		return nil
	}, th.CallbackDataEqual("topup"))

	// Back to main menu
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID),
			"PR GRAM — выполняй задания, зарабатывай GRAM и делись чеками с друзьями.",
		).WithReplyMarkup(b.mainMenu()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("start_back"))

	b.registerAdminHandlers(handler)

	// Wizard text input
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.Message.From.ID
		text := strings.TrimSpace(update.Message.Text)

		session, err := b.Sessions.Get(ctx.Context(), telegramID)
		if err != nil {
			b.Log.Errorf("Failed to load session: %v", err)
			return nil
		}
		if session == nil {
			return nil
		}

		user, err := b.userByTelegramID(telegramID)
		if err != nil {
			return nil
		}
		if user.Banned {
			_ = b.Sessions.Clear(ctx.Context(), telegramID)
			return nil
		}

		switch session.State {
		case StateCheckAmount:
			amount, err := strconv.ParseInt(text, 10, 64)
			if err != nil || amount < b.Cfg.Economy.CheckMinAmount || amount > b.Cfg.Economy.CheckMaxAmount {
				_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
					fmt.Sprintf("❌ Некорректная сумма. Введите число от %d до %d.",
						b.Cfg.Economy.CheckMinAmount, b.Cfg.Economy.CheckMaxAmount)))
				return nil
			}
			session.DraftAmount = amount
			session.State = StateCheckActivations
			_ = b.Sessions.Set(ctx.Context(), telegramID, session)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
				fmt.Sprintf("Сколько активаций? (от 1 до %d)", b.Cfg.Economy.CheckMaxActivations)))

		case StateCheckActivations:
			activations, err := strconv.Atoi(text)
			if err != nil || activations < 1 || activations > b.Cfg.Economy.CheckMaxActivations {
				_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
					fmt.Sprintf("❌ Некорректное число активаций. Введите число от 1 до %d.", b.Cfg.Economy.CheckMaxActivations)))
				return nil
			}
			b.finishCheckCreation(ctx, user, session.DraftAmount, activations)
			_ = b.Sessions.Clear(ctx.Context(), telegramID)

		case StateCheckPassword:
			b.attemptActivation(ctx, user, session.Arg, text)

		case StateTopupAmount:
			amount, err := strconv.ParseInt(text, 10, 64)
			if err != nil || amount < b.Cfg.Economy.TopupMin {
				_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
					fmt.Sprintf("❌ Некорректная сумма. Введите число не меньше %d.", b.Cfg.Economy.TopupMin)))
				return nil
			}
			b.startTopup(ctx, user, amount)
			_ = b.Sessions.Clear(ctx.Context(), telegramID)

		case StateWithdrawAmount:
			amount, err := strconv.ParseInt(text, 10, 64)
			if err != nil || amount < b.Cfg.Economy.WithdrawMin {
				_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
					fmt.Sprintf("❌ Некорректная сумма. Введите число не меньше %d.", b.Cfg.Economy.WithdrawMin)))
				return nil
			}
			b.createWithdrawal(ctx, user, amount)
			_ = b.Sessions.Clear(ctx.Context(), telegramID)
		}
		return nil
	}, th.AnyMessageWithText())

	handler.Start()
}

func (b *Bot) mainMenu() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("👤 Профиль").WithCallbackData("profile"),
			tu.InlineKeyboardButton("🧾 Создать чек").WithCallbackData("check_create"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📋 Мои чеки").WithCallbackData("my_checks"),
			tu.InlineKeyboardButton("🤝 Партнёрам").WithCallbackData("referral"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💳 Пополнить баланс").WithCallbackData("topup"),
		),
	)
}

func (b *Bot) botUsername(ctx context.Context) string {
	if info, err := b.Instance.GetMe(ctx); err == nil {
		return info.Username
	}
	return "prgram_bot"
}

func (b *Bot) findOrCreateUser(ctx context.Context, from *telego.User) (*models.User, error) {
	var user models.User
	err := b.DB.WithContext(ctx).
		Where(models.User{TelegramID: from.ID}).
		Attrs(models.User{
			Username:     from.Username,
			ReferralCode: fmt.Sprintf("ref_%d", from.ID),
			Level:        level.Bronze,
		}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// bindReferrer attaches a referrer by their code, once per user and never to
// oneself. Balances belong to the ledger, so this writes referrer_id alone;
// the IS NULL guard keeps the binding first-wins under concurrent /start.
func (b *Bot) bindReferrer(ctx context.Context, user *models.User, code string) {
	if code == "" || user.ReferrerID != nil || code == user.ReferralCode {
		return
	}

	var referrer models.User
	if err := b.DB.WithContext(ctx).Where("referral_code = ?", code).First(&referrer).Error; err != nil {
		return
	}

	res := b.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND referrer_id IS NULL", user.ID).
		Update("referrer_id", referrer.ID)
	if res.Error != nil {
		b.Log.Errorf("Failed to save referrer: %v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		user.ReferrerID = &referrer.ID
		b.Log.WithUserID(user.ID).Infof("User invited by %d", referrer.TelegramID)
	}
}

func (b *Bot) userByTelegramID(telegramID int64) (*models.User, error) {
	var user models.User
	if err := b.DB.Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (b *Bot) finishCheckCreation(ctx *th.Context, user *models.User, amount int64, activations int) {
	chk, err := b.Engine.Create(ctx.Context(), user.ID, check.CreateParams{
		Amount:         amount,
		MaxActivations: activations,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID),
				fmt.Sprintf("❌ Недостаточно средств. Для чека нужно %d GRAM.", amount*int64(activations))))
			return
		}
		b.Log.WithUserID(user.ID).Errorf("Failed to create check: %v", err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID), "❌ Не удалось создать чек. Попробуйте позже."))
		return
	}

	link := fmt.Sprintf("https://t.me/%s?start=c_%s", b.botUsername(ctx.Context()), chk.Code)

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID),
		fmt.Sprintf("✅ Чек создан!\n\n💸 %d GRAM × %d активаций\n🧊 Заморожено: %d GRAM\n\n🔗 *Ссылка для друзей:*\n`%s`",
			chk.Amount, chk.MaxActivations, chk.Amount*int64(chk.MaxActivations), link)).
		WithParseMode(telego.ModeMarkdown))
}

func (b *Bot) attemptActivation(ctx *th.Context, user *models.User, code, password string) {
	result, err := b.Engine.Activate(ctx.Context(), code, user.ID, password)
	if err == nil {
		_ = b.Sessions.Clear(ctx.Context(), user.TelegramID)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID),
			fmt.Sprintf("🎉 Чек активирован! Вам начислено %d GRAM.", result.Amount)))
		return
	}

	if errors.Is(err, check.ErrWrongPassword) {
		prompt := "🔒 Чек защищён паролем. Введите пароль:"
		if password != "" {
			prompt = "❌ Неверный пароль. Попробуйте ещё раз:"
		}
		if err := b.Sessions.Set(ctx.Context(), user.TelegramID, &Session{State: StateCheckPassword, Arg: code}); err != nil {
			b.Log.Errorf("Failed to save session: %v", err)
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID), prompt))
		return
	}

	_ = b.Sessions.Clear(ctx.Context(), user.TelegramID)
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID), redemptionMessage(err)))
}

func (b *Bot) startTopup(ctx *th.Context, user *models.User, amount int64) {
	url, err := b.Payments.CreateTopup(ctx.Context(), user.TelegramID, amount)
	if err != nil {
		b.Log.WithUserID(user.ID).Errorf("Failed to create payment: %v", err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID), "❌ Не удалось создать платёж. Попробуйте позже."))
		return
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID),
		fmt.Sprintf("💳 Оплатите %d₽ по ссылке, GRAM зачислятся автоматически:\n%s", amount, url)))
}

func (b *Bot) createWithdrawal(ctx *th.Context, user *models.User, amount int64) {
	if _, err := b.Ledger.Debit(ctx.Context(), user.ID, amount, models.TxSpend, "заявка на вывод", nil); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID), "❌ Недостаточно средств для вывода."))
			return
		}
		b.Log.WithUserID(user.ID).Errorf("Failed to debit withdrawal: %v", err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID), "❌ Не удалось оформить заявку. Попробуйте позже."))
		return
	}

	withdrawal := models.Withdrawal{
		UserID: user.ID,
		Amount: amount,
		Status: models.WithdrawalPending,
	}
	if err := b.DB.Create(&withdrawal).Error; err != nil {
		b.Log.WithUserID(user.ID).Errorf("Failed to record withdrawal: %v", err)
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID),
		fmt.Sprintf("✅ Заявка на вывод %d GRAM принята (№%d). Средства списаны и будут выплачены после проверки.", amount, withdrawal.ID)))
}

// redemptionMessage maps activation errors to what the user sees.
func redemptionMessage(err error) string {
	var condErr *check.ConditionsError
	switch {
	case errors.Is(err, check.ErrNotFound):
		return "❌ Чек не найден."
	case errors.Is(err, check.ErrInactive):
		return "❌ Чек больше не активен."
	case errors.Is(err, check.ErrExpired):
		return "❌ Срок действия чека истёк."
	case errors.Is(err, check.ErrAlreadyRedeemed):
		return "❌ Вы уже активировали этот чек."
	case errors.Is(err, check.ErrMaxActivations):
		return "❌ Лимит активаций чека исчерпан."
	case errors.As(err, &condErr):
		return "❌ " + condErr.Reason
	default:
		return "❌ Не удалось активировать чек. Попробуйте позже."
	}
}
