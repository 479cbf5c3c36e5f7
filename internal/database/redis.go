package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailproof/mailproof/internal/config"
	"github.com/mailproof/mailproof/internal/logger"
	"github.com/mailproof/mailproof/internal/model"
)

// Redis wraps the Redis client used for shared credentials and progress events
type Redis struct {
	*redis.Client
}

// NewRedis creates a new Redis connection
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Redis{Client: client}, nil
}

// HealthCheck verifies the Redis connection is healthy
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.Ping(ctx).Err()
}

// PublishProgress publishes one progress event as JSON
func (r *Redis) PublishProgress(ctx context.Context, channel string, p model.Progress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	return r.Publish(ctx, channel, payload).Err()
}

// ProgressPublisher returns a progress callback that publishes on channel.
// Publish failures are logged and never interrupt the campaign.
func (r *Redis) ProgressPublisher(ctx context.Context, channel string, log *logger.Logger) func(model.Progress) {
	return func(p model.Progress) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := r.PublishProgress(pctx, channel, p); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("failed to publish progress")
		}
	}
}
