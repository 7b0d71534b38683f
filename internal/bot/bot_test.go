package bot

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"prgram-bot/internal/level"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Transaction{}))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, telegramID int64) *models.User {
	t.Helper()
	user := &models.User{
		TelegramID:   telegramID,
		Level:        level.Bronze,
		ReferralCode: fmt.Sprintf("ref_%d", telegramID),
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestBindReferrerLeavesBalanceAlone(t *testing.T) {
	db := newTestDB(t)
	b := &Bot{DB: db, Log: logger.New("bot-test")}
	ctx := context.Background()

	referrer := seedUser(t, db, 1)
	user := seedUser(t, db, 2)

	// A credit lands between the handler's read and the binding
	stale := *user
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).
		Update("balance", 500).Error)

	b.bindReferrer(ctx, &stale, referrer.ReferralCode)

	var fresh models.User
	require.NoError(t, db.First(&fresh, user.ID).Error)
	require.NotNil(t, fresh.ReferrerID)
	assert.Equal(t, referrer.ID, *fresh.ReferrerID)
	assert.Equal(t, int64(500), fresh.Balance, "binding writes referrer_id only")
}

func TestBindReferrerExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	b := &Bot{DB: db, Log: logger.New("bot-test")}
	ctx := context.Background()

	first := seedUser(t, db, 1)
	second := seedUser(t, db, 2)
	user := seedUser(t, db, 3)

	b.bindReferrer(ctx, user, first.ReferralCode)

	// A second /start with another code must not rebind, even when the
	// caller's copy of the row predates the first binding.
	stale := models.User{ID: user.ID, TelegramID: user.TelegramID, ReferralCode: user.ReferralCode}
	b.bindReferrer(ctx, &stale, second.ReferralCode)

	var fresh models.User
	require.NoError(t, db.First(&fresh, user.ID).Error)
	require.NotNil(t, fresh.ReferrerID)
	assert.Equal(t, first.ID, *fresh.ReferrerID)
}

func TestBindReferrerRejectsSelfAndUnknownCodes(t *testing.T) {
	db := newTestDB(t)
	b := &Bot{DB: db, Log: logger.New("bot-test")}
	ctx := context.Background()

	user := seedUser(t, db, 1)

	b.bindReferrer(ctx, user, user.ReferralCode)
	b.bindReferrer(ctx, user, "ref_999")
	b.bindReferrer(ctx, user, "")

	var fresh models.User
	require.NoError(t, db.First(&fresh, user.ID).Error)
	assert.Nil(t, fresh.ReferrerID)
}
