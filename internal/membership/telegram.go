package membership

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"

	"prgram-bot/internal/logger"
)

const cacheTTL = 5 * time.Minute

// TelegramVerifier answers subscription checks through the Bot API, with a
// short redis cache so a check with channel conditions does not hammer
// getChatMember during redemption bursts.
type TelegramVerifier struct {
	bot   *telego.Bot
	redis *redis.Client
	log   *logger.Logger
}

func NewTelegramVerifier(bot *telego.Bot, rdb *redis.Client, log *logger.Logger) *TelegramVerifier {
	return &TelegramVerifier{
		bot:   bot,
		redis: rdb,
		log:   log,
	}
}

func (v *TelegramVerifier) IsSubscribed(ctx context.Context, channel string, telegramID int64) (bool, error) {
	if !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}

	key := fmt.Sprintf("member_%s_%d", channel, telegramID)
	if cached, err := v.redis.Get(ctx, key).Result(); err == nil {
		return cached == "1", nil
	}

	member, err := v.bot.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: telego.ChatID{Username: channel},
		UserID: telegramID,
	})
	if err != nil {
		return false, fmt.Errorf("getChatMember %s: %w", channel, err)
	}

	subscribed := false
	switch member.MemberStatus() {
	case telego.MemberStatusCreator, telego.MemberStatusAdministrator, telego.MemberStatusMember:
		subscribed = true
	}

	value := "0"
	if subscribed {
		value = "1"
	}
	if err := v.redis.Set(ctx, key, value, cacheTTL).Err(); err != nil {
		v.log.Warnf("Failed to cache membership for %s: %v", key, err)
	}
	return subscribed, nil
}
