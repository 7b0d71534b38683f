package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"prgram-bot/internal/ledger"
	"prgram-bot/internal/level"
	"prgram-bot/internal/logger"
	"prgram-bot/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Transaction{}, &models.Payment{}))
	return db
}

func newTestHandler(t *testing.T, db *gorm.DB) *Handler {
	t.Helper()
	log := logger.New("payment-test")
	lg := ledger.New(db, level.NewEvaluator(level.DefaultConfig()), nil, nil, log)
	// httptest requests arrive from 192.0.2.1
	return NewHandler(db, lg, nil, nil, []string{"192.0.2.0/24"}, log)
}

func notificationBody(t *testing.T, event, paymentID string, telegramID int64, gram int64) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(WebhookNotification{
		Type:  "notification",
		Event: event,
		Object: WebhookObject{
			ID:     paymentID,
			Status: "succeeded",
			Paid:   true,
			Amount: Amount{Value: fmt.Sprintf("%d.00", gram), Currency: "RUB"},
			Metadata: map[string]string{
				"telegram_id": fmt.Sprintf("%d", telegramID),
				"gram":        fmt.Sprintf("%d", gram),
			},
		},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestWebhookCreditsTopup(t *testing.T) {
	db := newTestDB(t)
	h := newTestHandler(t, db)
	user := models.User{TelegramID: 100, Level: level.Bronze, ReferralCode: "ref_100"}
	require.NoError(t, db.Create(&user).Error)

	req := httptest.NewRequest(http.MethodPost, "/webhook/yookassa", notificationBody(t, "payment.succeeded", "pay-1", 100, 500))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var fresh models.User
	require.NoError(t, db.First(&fresh, user.ID).Error)
	assert.Equal(t, int64(500), fresh.Balance)

	var record models.Transaction
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&record).Error)
	assert.Equal(t, models.TxEarn, record.Type)
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	h := newTestHandler(t, db)
	user := models.User{TelegramID: 100, Level: level.Bronze, ReferralCode: "ref_100"}
	require.NoError(t, db.Create(&user).Error)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook/yookassa", notificationBody(t, "payment.succeeded", "pay-1", 100, 500))
		rec := httptest.NewRecorder()
		h.HandleWebhook(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	var fresh models.User
	require.NoError(t, db.First(&fresh, user.ID).Error)
	assert.Equal(t, int64(500), fresh.Balance, "one credit for three deliveries")
}

func TestWebhookRetriesAfterFailedDelivery(t *testing.T) {
	db := newTestDB(t)
	h := newTestHandler(t, db)
	user := models.User{TelegramID: 100, Level: level.Bronze, ReferralCode: "ref_100"}
	require.NoError(t, db.Create(&user).Error)

	// A transient store failure mid-delivery: the credit cannot be written
	require.NoError(t, db.Migrator().DropTable(&models.Transaction{}))

	req := httptest.NewRequest(http.MethodPost, "/webhook/yookassa", notificationBody(t, "payment.succeeded", "pay-1", 100, 500))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The failed delivery must not keep the claim on the payment id
	var claims int64
	require.NoError(t, db.Model(&models.Payment{}).Count(&claims).Error)
	assert.Equal(t, int64(0), claims, "claim rolls back with the failed credit")

	// Store recovers, provider redelivers: the user gets credited
	require.NoError(t, db.AutoMigrate(&models.Transaction{}))

	req = httptest.NewRequest(http.MethodPost, "/webhook/yookassa", notificationBody(t, "payment.succeeded", "pay-1", 100, 500))
	rec = httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var fresh models.User
	require.NoError(t, db.First(&fresh, user.ID).Error)
	assert.Equal(t, int64(500), fresh.Balance)
	require.NoError(t, db.Model(&models.Payment{}).Count(&claims).Error)
	assert.Equal(t, int64(1), claims)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	db := newTestDB(t)
	h := newTestHandler(t, db)
	user := models.User{TelegramID: 100, Level: level.Bronze, ReferralCode: "ref_100"}
	require.NoError(t, db.Create(&user).Error)

	req := httptest.NewRequest(http.MethodPost, "/webhook/yookassa", notificationBody(t, "payment.canceled", "pay-1", 100, 500))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var fresh models.User
	require.NoError(t, db.First(&fresh, user.ID).Error)
	assert.Equal(t, int64(0), fresh.Balance)
}

func TestWebhookRejectsUnknownSource(t *testing.T) {
	db := newTestDB(t)
	log := logger.New("payment-test")
	lg := ledger.New(db, level.NewEvaluator(level.DefaultConfig()), nil, nil, log)
	h := NewHandler(db, lg, nil, nil, []string{"185.71.76.0/27"}, log)

	req := httptest.NewRequest(http.MethodPost, "/webhook/yookassa", notificationBody(t, "payment.succeeded", "pay-1", 100, 500))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookRejectsGet(t *testing.T) {
	db := newTestDB(t)
	h := newTestHandler(t, db)

	req := httptest.NewRequest(http.MethodGet, "/webhook/yookassa", nil)
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
