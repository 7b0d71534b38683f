package check

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"prgram-bot/internal/config"
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
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Transaction{}, &models.Check{}, &models.CheckActivation{}))
	return db
}

type fakeVerifier struct {
	subscribed map[string]bool
	err        error
}

func (f *fakeVerifier) IsSubscribed(_ context.Context, channel string, _ int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.subscribed[channel], nil
}

type bonusCall struct {
	earnerID uint
	earned   int64
}

type fakeEffects struct {
	bonuses []bonusCall
}

func (f *fakeEffects) EnqueueReferralBonus(_ context.Context, earnerID uint, earned int64) error {
	f.bonuses = append(f.bonuses, bonusCall{earnerID: earnerID, earned: earned})
	return nil
}

type testRig struct {
	db       *gorm.DB
	engine   *Engine
	ledger   *ledger.Service
	verifier *fakeVerifier
	effects  *fakeEffects
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db := newTestDB(t)
	log := logger.New("check-test")
	lg := ledger.New(db, level.NewEvaluator(level.DefaultConfig()), nil, nil, log)
	verifier := &fakeVerifier{subscribed: map[string]bool{}}
	effects := &fakeEffects{}
	engine := NewEngine(db, lg, verifier, nil, effects, config.DefaultEconomy(), nil, log)
	return &testRig{db: db, engine: engine, ledger: lg, verifier: verifier, effects: effects}
}

func (r *testRig) seedUser(t *testing.T, telegramID int64, balance int64) *models.User {
	t.Helper()
	user := &models.User{
		TelegramID:   telegramID,
		Balance:      balance,
		Level:        level.Bronze,
		ReferralCode: fmt.Sprintf("ref_%d", telegramID),
	}
	require.NoError(t, r.db.Create(user).Error)
	return user
}

func (r *testRig) freshUser(t *testing.T, id uint) models.User {
	t.Helper()
	var user models.User
	require.NoError(t, r.db.First(&user, id).Error)
	return user
}

func (r *testRig) freshCheck(t *testing.T, id uint) models.Check {
	t.Helper()
	var chk models.Check
	require.NoError(t, r.db.First(&chk, id).Error)
	return chk
}

func TestCreateFreezesTotal(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 1000)

	chk, err := rig.engine.Create(context.Background(), creator.ID, CreateParams{
		Amount:         100,
		MaxActivations: 5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, chk.Code)
	assert.True(t, chk.IsActive)

	fresh := rig.freshUser(t, creator.ID)
	assert.Equal(t, int64(1000), fresh.Balance)
	assert.Equal(t, int64(500), fresh.FrozenBalance)
}

func TestCreateInsufficientFundsLeavesNothing(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 1000)

	_, err := rig.engine.Create(context.Background(), creator.ID, CreateParams{
		Amount:         300,
		MaxActivations: 5,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	fresh := rig.freshUser(t, creator.ID)
	assert.Equal(t, int64(0), fresh.FrozenBalance)
	var count int64
	require.NoError(t, rig.db.Model(&models.Check{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestCreateValidatesParams(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 1000000)
	ctx := context.Background()

	_, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 0, MaxActivations: 1})
	assert.Error(t, err)
	_, err = rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 5, MaxActivations: 1})
	assert.Error(t, err, "below CheckMinAmount")
	past := time.Now().Add(-time.Hour)
	_, err = rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 1, ExpiresAt: &past})
	assert.Error(t, err)
}

func TestActivateHappyPath(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 1000)
	redeemer := rig.seedUser(t, 2, 0)
	ctx := context.Background()

	chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 5})
	require.NoError(t, err)

	result, err := rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.Amount)
	assert.False(t, result.Exhausted)
	assert.Equal(t, 1, result.Check.CurrentActivations)

	c := rig.freshUser(t, creator.ID)
	r := rig.freshUser(t, redeemer.ID)
	assert.Equal(t, int64(900), c.Balance)
	assert.Equal(t, int64(400), c.FrozenBalance)
	assert.Equal(t, int64(100), r.Balance)
	assert.Equal(t, int64(1000), c.Balance+r.Balance, "payout moves money, never mints it")

	// Referral cascade is handed off with the redeemer's earning
	require.Len(t, rig.effects.bonuses, 1)
	assert.Equal(t, redeemer.ID, rig.effects.bonuses[0].earnerID)
	assert.Equal(t, int64(100), rig.effects.bonuses[0].earned)
}

func TestActivateTwiceIsRejected(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 1000)
	redeemer := rig.seedUser(t, 2, 0)
	ctx := context.Background()

	chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 5})
	require.NoError(t, err)

	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
	require.NoError(t, err)

	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyRedeemed)

	r := rig.freshUser(t, redeemer.ID)
	assert.Equal(t, int64(100), r.Balance, "no double payout")
	assert.Equal(t, 1, rig.freshCheck(t, chk.ID).CurrentActivations)
}

func TestActivateDuplicateRowBackstop(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 1000)
	redeemer := rig.seedUser(t, 2, 0)
	ctx := context.Background()

	chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 5})
	require.NoError(t, err)

	// The unique (check_id, user_id) index refuses a second activation row
	// even when the fast-path count is bypassed.
	require.NoError(t, rig.db.Create(&models.CheckActivation{CheckID: chk.ID, UserID: redeemer.ID, Amount: chk.Amount}).Error)
	err = rig.db.Create(&models.CheckActivation{CheckID: chk.ID, UserID: redeemer.ID, Amount: chk.Amount}).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyRedeemed)
}

func TestLastActivationExhaustsCheck(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 500)
	first := rig.seedUser(t, 2, 0)
	second := rig.seedUser(t, 3, 0)
	ctx := context.Background()

	chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 2})
	require.NoError(t, err)

	result, err := rig.engine.Activate(ctx, chk.Code, first.ID, "")
	require.NoError(t, err)
	assert.False(t, result.Exhausted)

	result, err = rig.engine.Activate(ctx, chk.Code, second.ID, "")
	require.NoError(t, err)
	assert.True(t, result.Exhausted)
	assert.False(t, result.Check.IsActive)

	c := rig.freshUser(t, creator.ID)
	assert.Equal(t, int64(300), c.Balance)
	assert.Equal(t, int64(0), c.FrozenBalance, "nothing stays reserved after exhaustion")

	// An exhausted check is inactive for everyone after
	third := rig.seedUser(t, 4, 0)
	_, err = rig.engine.Activate(ctx, chk.Code, third.ID, "")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestActivationLimitGuard(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 500)
	redeemer := rig.seedUser(t, 2, 0)
	ctx := context.Background()

	chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 2})
	require.NoError(t, err)

	// Simulate a counter that raced to the limit while is_active lagged.
	require.NoError(t, rig.db.Model(&models.Check{}).Where("id = ?", chk.ID).
		Update("current_activations", 2).Error)

	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
	assert.ErrorIs(t, err, ErrMaxActivations)
	assert.Equal(t, int64(0), rig.freshUser(t, redeemer.ID).Balance)
}

func TestActivatePasswordProtected(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 500)
	redeemer := rig.seedUser(t, 2, 0)
	ctx := context.Background()

	chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 2, Password: "секрет"})
	require.NoError(t, err)

	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
	assert.ErrorIs(t, err, ErrWrongPassword)
	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "не тот")
	assert.ErrorIs(t, err, ErrWrongPassword)
	assert.Equal(t, int64(0), rig.freshUser(t, redeemer.ID).Balance)

	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "секрет")
	assert.NoError(t, err)
}

func TestActivateExpiredReleasesResidual(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 500)
	redeemer := rig.seedUser(t, 2, 0)
	ctx := context.Background()

	future := time.Now().Add(time.Minute)
	chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 3, ExpiresAt: &future})
	require.NoError(t, err)

	// Deadline passes with the check still marked active
	past := time.Now().Add(-time.Minute)
	require.NoError(t, rig.db.Model(&models.Check{}).Where("id = ?", chk.ID).Update("expires_at", past).Error)

	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
	assert.ErrorIs(t, err, ErrExpired)

	assert.False(t, rig.freshCheck(t, chk.ID).IsActive)
	c := rig.freshUser(t, creator.ID)
	assert.Equal(t, int64(0), c.FrozenBalance, "residual returns to the creator")
	assert.Equal(t, int64(500), c.Balance)
}

func TestConditions(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 1000)
	redeemer := rig.seedUser(t, 2, 0)
	ctx := context.Background()

	t.Run("self activation", func(t *testing.T) {
		chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 2})
		require.NoError(t, err)

		var condErr *ConditionsError
		_, err = rig.engine.Activate(ctx, chk.Code, creator.ID, "")
		require.ErrorAs(t, err, &condErr)
	})

	t.Run("minimum level", func(t *testing.T) {
		chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{
			Amount:         100,
			MaxActivations: 2,
			Conditions:     models.CheckConditions{MinLevel: level.Gold},
		})
		require.NoError(t, err)

		var condErr *ConditionsError
		_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
		require.ErrorAs(t, err, &condErr)

		require.NoError(t, rig.db.Model(&models.User{}).Where("id = ?", redeemer.ID).Update("level", level.Gold).Error)
		_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
		assert.NoError(t, err)
	})

	t.Run("channel subscription", func(t *testing.T) {
		chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{
			Amount:         100,
			MaxActivations: 2,
			Conditions:     models.CheckConditions{Channels: []string{"@prgram_news"}},
		})
		require.NoError(t, err)

		var condErr *ConditionsError
		_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
		require.ErrorAs(t, err, &condErr)

		rig.verifier.subscribed["@prgram_news"] = true
		_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
		assert.NoError(t, err)
	})

	t.Run("verification failure counts as not met", func(t *testing.T) {
		chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{
			Amount:         100,
			MaxActivations: 2,
			Conditions:     models.CheckConditions{Channels: []string{"@prgram_news"}},
		})
		require.NoError(t, err)

		rig.verifier.err = fmt.Errorf("bot api: 429")
		defer func() { rig.verifier.err = nil }()

		var condErr *ConditionsError
		_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
		require.ErrorAs(t, err, &condErr)
	})
}

func TestRevokeReleasesResidual(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 1000)
	redeemer := rig.seedUser(t, 2, 0)
	ctx := context.Background()

	chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 5})
	require.NoError(t, err)
	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
	require.NoError(t, err)

	require.NoError(t, rig.engine.Revoke(ctx, chk.ID, "admin"))

	c := rig.freshUser(t, creator.ID)
	assert.Equal(t, int64(900), c.Balance)
	assert.Equal(t, int64(0), c.FrozenBalance, "4 unused activations worth 400 released")
	assert.False(t, rig.freshCheck(t, chk.ID).IsActive)

	assert.ErrorIs(t, rig.engine.Revoke(ctx, chk.ID, "admin"), ErrInactive)

	_, err = rig.engine.Activate(ctx, chk.Code, redeemer.ID, "")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestRevokeUsesFreshActivationCount(t *testing.T) {
	rig := newTestRig(t)
	creator := rig.seedUser(t, 1, 1000)
	first := rig.seedUser(t, 2, 0)
	second := rig.seedUser(t, 3, 0)
	ctx := context.Background()

	chk, err := rig.engine.Create(ctx, creator.ID, CreateParams{Amount: 100, MaxActivations: 5})
	require.NoError(t, err)

	// The admin looked at the check when it had one activation...
	_, err = rig.engine.Activate(ctx, chk.Code, first.ID, "")
	require.NoError(t, err)
	stale, err := rig.engine.GetByCode(ctx, chk.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, stale.CurrentActivations)

	// ...and another redemption commits before the revoke runs.
	_, err = rig.engine.Activate(ctx, chk.Code, second.ID, "")
	require.NoError(t, err)

	// Revoke releases what is actually still reserved, never the stale view.
	require.NoError(t, rig.engine.Revoke(ctx, stale.ID, "admin"))

	c := rig.freshUser(t, creator.ID)
	assert.Equal(t, int64(0), c.FrozenBalance)
	assert.Equal(t, int64(800), c.Balance)
	assert.False(t, rig.freshCheck(t, chk.ID).IsActive)
}

func TestActivateUnknownCode(t *testing.T) {
	rig := newTestRig(t)
	redeemer := rig.seedUser(t, 2, 0)

	_, err := rig.engine.Activate(context.Background(), "no-such-code", redeemer.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
