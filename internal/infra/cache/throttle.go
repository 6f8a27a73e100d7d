package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

// ThrottleStore хранит настройки ночного режима в Redis без срока жизни.
type ThrottleStore struct {
	client *redis.Client
	key    string
}

var _ domain.ThrottleStore = (*ThrottleStore)(nil)

// NewThrottleStore создаёт хранилище под ключом key.
func NewThrottleStore(client *redis.Client, key string) *ThrottleStore {
	return &ThrottleStore{client: client, key: key}
}

// LoadWindow читает сохранённое окно. ok == false, если записи нет.
func (s *ThrottleStore) LoadWindow(ctx context.Context) (domain.ThrottleWindow, bool, error) {
	start := time.Now()
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "get", s.key, start, nil)
		return domain.ThrottleWindow{}, false, nil
	}
	metrics.ObserveNetworkRequest("redis", "get", s.key, start, err)
	if err != nil {
		return domain.ThrottleWindow{}, false, err
	}
	w, err := decodeWindow(raw)
	if err != nil {
		return domain.ThrottleWindow{}, false, err
	}
	return w, true, nil
}

// SaveWindow сохраняет окно.
func (s *ThrottleStore) SaveWindow(ctx context.Context, w domain.ThrottleWindow) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	start := time.Now()
	err = s.client.Set(ctx, s.key, payload, 0).Err()
	metrics.ObserveNetworkRequest("redis", "set", s.key, start, err)
	return err
}

func decodeWindow(raw []byte) (domain.ThrottleWindow, error) {
	var w domain.ThrottleWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.ThrottleWindow{}, fmt.Errorf("decode window: %w", err)
	}
	return w, nil
}
