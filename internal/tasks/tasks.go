package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"prgram-bot/internal/logger"
)

const (
	TypeReferralBonus = "referral:bonus"
	TypeBroadcast     = "broadcast:send"

	QueueEffects   = "effects"
	QueueBroadcast = "broadcast"
)

type ReferralBonusPayload struct {
	EarnerID uint  `json:"earner_id"`
	Earned   int64 `json:"earned"`
}

type BroadcastPayload struct {
	Message string `json:"message"`
}

// Client enqueues derived-effect tasks. Enqueue failures are the caller's to
// log; they never block the primary flow.
type Client struct {
	aq  *asynq.Client
	log *logger.Logger
}

func NewClient(redisAddr, redisPassword string, log *logger.Logger) *Client {
	return &Client{
		aq: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: redisPassword,
		}),
		log: log,
	}
}

func (c *Client) Close() error {
	return c.aq.Close()
}

func (c *Client) EnqueueReferralBonus(ctx context.Context, earnerID uint, earned int64) error {
	payload, err := json.Marshal(ReferralBonusPayload{EarnerID: earnerID, Earned: earned})
	if err != nil {
		return err
	}
	_, err = c.aq.EnqueueContext(ctx, asynq.NewTask(TypeReferralBonus, payload),
		asynq.Queue(QueueEffects), asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("enqueue referral bonus: %w", err)
	}
	return nil
}

func (c *Client) EnqueueBroadcast(ctx context.Context, message string) error {
	payload, err := json.Marshal(BroadcastPayload{Message: message})
	if err != nil {
		return err
	}
	_, err = c.aq.EnqueueContext(ctx, asynq.NewTask(TypeBroadcast, payload),
		asynq.Queue(QueueBroadcast), asynq.MaxRetry(1))
	if err != nil {
		return fmt.Errorf("enqueue broadcast: %w", err)
	}
	return nil
}

// NewServer builds the asynq worker server. Effects outweigh broadcasts so a
// large fan-out cannot starve referral bonuses.
func NewServer(redisAddr, redisPassword string, concurrency int) *asynq.Server {
	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: redisPassword,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueEffects:   5,
				QueueBroadcast: 1,
			},
		},
	)
}
