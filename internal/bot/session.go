package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionTTL = 15 * time.Minute

// Wizard states. A state names the input the bot is waiting for from a user.
const (
	StateCheckAmount      = "check_amount"
	StateCheckActivations = "check_activations"
	StateCheckPassword    = "check_password" // argument: check code
	StateWithdrawAmount   = "withdraw_amount"
	StateTopupAmount      = "topup_amount"
)

// Session is the per-user conversation state for multi-step wizards, kept in
// redis so the bot survives restarts mid-wizard.
type Session struct {
	State string `json:"state"`
	Arg   string `json:"arg,omitempty"`

	// check-creation draft
	DraftAmount int64 `json:"draft_amount,omitempty"`
}

type Sessions struct {
	redis *redis.Client
}

func NewSessions(rdb *redis.Client) *Sessions {
	return &Sessions{redis: rdb}
}

func (s *Sessions) key(telegramID int64) string {
	return fmt.Sprintf("session_%d", telegramID)
}

func (s *Sessions) Get(ctx context.Context, telegramID int64) (*Session, error) {
	raw, err := s.redis.Get(ctx, s.key(telegramID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Sessions) Set(ctx context.Context, telegramID int64, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, s.key(telegramID), raw, sessionTTL).Err()
}

func (s *Sessions) Clear(ctx context.Context, telegramID int64) error {
	return s.redis.Del(ctx, s.key(telegramID)).Err()
}
