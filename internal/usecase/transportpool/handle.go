package transportpool

import (
	"context"
	"errors"
	"strconv"
	"time"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

var errClosed = errors.New("подключение аккаунта закрыто")

// Handle держит ссылку рассылки на общее подключение аккаунта.
// Все вызовы одного аккаунта выполняются по очереди.
type Handle struct {
	pool  *Pool
	entry *entry
}

// AccountID возвращает аккаунт подключения.
func (h *Handle) AccountID() int64 {
	return h.entry.accountID
}

func (h *Handle) do(ctx context.Context, op string, fn func(domain.Transport) error) error {
	if err := h.pool.wait(ctx); err != nil {
		return err
	}
	h.entry.send.Lock()
	defer h.entry.send.Unlock()

	h.pool.mu.Lock()
	transport := h.entry.transport
	h.pool.mu.Unlock()
	if transport == nil {
		return errClosed
	}

	start := time.Now()
	err := fn(transport)
	metrics.ObserveNetworkRequest("mtproto", op, strconv.FormatInt(h.entry.accountID, 10), start, err)
	return err
}

// Resolve находит чат по внешнему идентификатору.
func (h *Handle) Resolve(ctx context.Context, externalID int64) (domain.Peer, error) {
	var peer domain.Peer
	err := h.do(ctx, "resolve", func(t domain.Transport) error {
		var err error
		peer, err = t.Resolve(ctx, externalID)
		return err
	})
	return peer, err
}

// SendText отправляет текст.
func (h *Handle) SendText(ctx context.Context, peer domain.Peer, text string) error {
	return h.do(ctx, "send_text", func(t domain.Transport) error {
		return t.SendText(ctx, peer, text)
	})
}

// SendPhoto отправляет фото с необязательной подписью.
func (h *Handle) SendPhoto(ctx context.Context, peer domain.Peer, photoRef, caption string) error {
	return h.do(ctx, "send_photo", func(t domain.Transport) error {
		return t.SendPhoto(ctx, peer, photoRef, caption)
	})
}

// ListDestinations возвращает группы и каналы аккаунта.
func (h *Handle) ListDestinations(ctx context.Context) ([]domain.ExternalDestination, error) {
	var list []domain.ExternalDestination
	err := h.do(ctx, "list_destinations", func(t domain.Transport) error {
		var err error
		list, err = t.ListDestinations(ctx)
		return err
	})
	return list, err
}

// Self возвращает владельца сессии.
func (h *Handle) Self(ctx context.Context) (domain.SelfInfo, error) {
	var self domain.SelfInfo
	err := h.do(ctx, "self", func(t domain.Transport) error {
		var err error
		self, err = t.Self(ctx)
		return err
	})
	return self, err
}
