package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

// RedisCommandQueue реализует очередь команд на базе Redis lists. Полученные
// команды лежат в списке <key>:processing до подтверждения.
type RedisCommandQueue struct {
	client     *redis.Client
	key        string
	processing string
	log        zerolog.Logger
}

var _ domain.CommandQueue = (*RedisCommandQueue)(nil)

// NewRedisCommandQueue создаёт очередь по указанному ключу.
func NewRedisCommandQueue(client *redis.Client, key string, log zerolog.Logger) *RedisCommandQueue {
	return &RedisCommandQueue{client: client, key: key, processing: key + ":processing", log: log}
}

// Enqueue публикует команду в очередь.
func (q *RedisCommandQueue) Enqueue(ctx context.Context, cmd domain.Command) error {
	payload, err := encodeCommand(&cmd)
	if err != nil {
		return err
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push command: %w", err)
	}
	return nil
}

// Recover возвращает в очередь команды, оставшиеся неподтверждёнными после падения.
func (q *RedisCommandQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover commands: %w", err)
		}
		n++
	}
}

// Receive блокирующе читает команду из очереди.
func (q *RedisCommandQueue) Receive(ctx context.Context) (domain.Command, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Command{}, nil, err
		}

		start := time.Now()
		raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.Command{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			metrics.ObserveNetworkRequest("redis", "blmove", q.key, start, err)
			return domain.Command{}, nil, err
		}
		metrics.ObserveNetworkRequest("redis", "blmove", q.key, start, nil)

		cmd, err := decodeCommand([]byte(raw))
		if err != nil {
			q.log.Error().Err(err).Str("payload", raw).Msg("queue: команда отброшена")
			_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
			continue
		}
		return cmd, q.ack(raw), nil
	}
}

func (q *RedisCommandQueue) ack(raw string) domain.AckFunc {
	return func(success bool) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		start := time.Now()
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, raw)
			if !success {
				pipe.LPush(ctx, q.key, raw)
			}
			return nil
		})
		metrics.ObserveNetworkRequest("redis", "ack", q.key, start, err)
		return err
	}
}
