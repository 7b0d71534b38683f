package main

import (
	"context"
	"log"

	"github.com/mymmrac/telego"

	"prgram-bot/internal/bot"
	"prgram-bot/internal/check"
	"prgram-bot/internal/config"
	"prgram-bot/internal/database"
	"prgram-bot/internal/ledger"
	"prgram-bot/internal/level"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/membership"
	"prgram-bot/internal/metrics"
	"prgram-bot/internal/notify"
	"prgram-bot/internal/payment"
	"prgram-bot/internal/referral"
	"prgram-bot/internal/tasks"
	"prgram-bot/internal/worker"
)

func main() {
	cfg := config.LoadConfig()
	appLog := logger.New("prgram-bot")

	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}

	ctx := context.Background()

	// Economy settings live in redis so they can be retuned without redeploy
	economy, err := config.SyncEconomy(ctx, rdb, cfg.Economy)
	if err != nil {
		appLog.Warnf("Using default economy config: %v", err)
	}
	cfg.Economy = economy

	m := metrics.New()
	go func() {
		appLog.Infof("Metrics listening on %s", cfg.MetricsAddr)
		if err := m.Serve(cfg.MetricsAddr); err != nil {
			appLog.Errorf("Metrics server stopped: %v", err)
		}
	}()

	instance, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		log.Fatalf("Could not create bot: %v", err)
	}

	levels := level.NewEvaluator(cfg.Economy.Levels)
	taskClient := tasks.NewClient(cfg.RedisAddr(), cfg.RedisPassword, appLog)
	defer taskClient.Close()
	sessions := bot.NewSessions(rdb)

	notifier := notify.NewTelegram(instance, db, m, appLog)
	ledgerSvc := ledger.New(db, levels, notifier, m, appLog)
	verifier := membership.NewTelegramVerifier(instance, rdb, appLog)
	engine := check.NewEngine(db, ledgerSvc, verifier, notifier, taskClient, cfg.Economy, m, appLog)
	referrals := referral.New(db, ledgerSvc, levels, notifier, appLog)
	payments := payment.NewClient(cfg.YooKassaShopID, cfg.YooKassaSecret, cfg.ReturnURL)

	tgBot := bot.NewBot(instance, db, ledgerSvc, engine, referrals, payments, taskClient, sessions, cfg, appLog)

	// Top-up webhook
	webhook := payment.NewHandler(db, ledgerSvc, taskClient, notifier, cfg.WebhookCIDRs, appLog)
	go func() {
		appLog.Infof("Payment webhook listening on %s", cfg.WebhookAddr)
		if err := webhook.Serve(cfg.WebhookAddr); err != nil {
			appLog.Errorf("Webhook server stopped: %v", err)
		}
	}()

	// Derived-effect workers: referral bonuses and broadcasts off the queue
	taskServer := tasks.NewServer(cfg.RedisAddr(), cfg.RedisPassword, 10)
	taskHandler := tasks.NewHandler(db, referrals, notifier, cfg.Economy.BroadcastPause, m, appLog)
	go func() {
		if err := taskServer.Run(taskHandler.Mux()); err != nil {
			appLog.Errorf("Task server stopped: %v", err)
		}
	}()

	// Check expiry sweeper
	expirer := worker.NewChecker(db, engine, appLog)
	go expirer.Start(ctx)

	appLog.Info("Service started successfully")
	tgBot.Start()
}
