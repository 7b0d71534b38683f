package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const economyKey = "economy_config"

// SyncEconomy loads the economy settings stored in redis, seeding the
// defaults on first boot. Admin tooling can retune the stored value without
// a redeploy; the bot picks it up on restart.
func SyncEconomy(ctx context.Context, rdb *redis.Client, defaults Economy) (Economy, error) {
	raw, err := rdb.Get(ctx, economyKey).Result()
	if err == nil && len(raw) > 0 {
		var stored Economy
		if err := json.Unmarshal([]byte(raw), &stored); err == nil {
			return stored, nil
		}
		// A corrupted value falls through and gets replaced with defaults.
	} else if err != nil && err != redis.Nil {
		return defaults, fmt.Errorf("failed to read economy config: %w", err)
	}

	seed, err := json.Marshal(defaults)
	if err != nil {
		return defaults, err
	}
	if err := rdb.Set(ctx, economyKey, seed, 0).Err(); err != nil {
		return defaults, fmt.Errorf("failed to seed economy config: %w", err)
	}
	return defaults, nil
}
