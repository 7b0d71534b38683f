package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"prgram-bot/internal/level"
)

type Config struct {
	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	BotToken      string
	AdminIDs      []int64
	MetricsAddr   string

	YooKassaShopID string
	YooKassaSecret string
	WebhookAddr    string
	WebhookCIDRs   []string
	ReturnURL      string

	Economy Economy
}

// Economy holds the tunable rules of the GRAM economy. Injected into the
// services instead of living as package constants so tests can run against
// alternate tier schemas.
type Economy struct {
	Levels              level.Config  `json:"levels"`
	CheckMinAmount      int64         `json:"check_min_amount"`
	CheckMaxAmount      int64         `json:"check_max_amount"`
	CheckMaxActivations int           `json:"check_max_activations"`
	WithdrawMin         int64         `json:"withdraw_min"`
	TopupMin            int64         `json:"topup_min"`
	BroadcastPause      time.Duration `json:"broadcast_pause"`
}

func DefaultEconomy() Economy {
	return Economy{
		Levels:              level.DefaultConfig(),
		CheckMinAmount:      10,
		CheckMaxAmount:      100000,
		CheckMaxActivations: 10000,
		WithdrawMin:         1000,
		TopupMin:            50,
		BroadcastPause:      50 * time.Millisecond,
	}
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "prgram_bot"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		BotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminIDs:      parseAdminIDs(getEnv("ADMIN_IDS", "")),
		MetricsAddr:   getEnv("METRICS_ADDR", ":8090"),

		YooKassaShopID: getEnv("YOOKASSA_SHOP_ID", ""),
		YooKassaSecret: getEnv("YOOKASSA_SECRET_KEY", ""),
		WebhookAddr:    getEnv("WEBHOOK_ADDR", ":8080"),
		WebhookCIDRs:   splitList(getEnv("WEBHOOK_CIDRS", defaultYooKassaCIDRs)),
		ReturnURL:      getEnv("PAYMENT_RETURN_URL", "https://t.me"),

		Economy: DefaultEconomy(),
	}
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

// Published notification source subnets: https://yookassa.ru/developers/using-api/webhooks
const defaultYooKassaCIDRs = "185.71.76.0/27,185.71.77.0/27,77.75.153.0/25,77.75.156.11/32,77.75.156.35/32,77.75.154.128/25,2a02:5180::/32"

func splitList(raw string) []string {
	var parts []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func parseAdminIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("Ignoring invalid admin id %q", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
