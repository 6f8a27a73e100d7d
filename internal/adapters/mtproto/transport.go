package mtproto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

// channelIDOffset задаёт смещение идентификаторов каналов в формате Bot API (-100...).
const channelIDOffset = 1_000_000_000_000

// MarkChannelID переводит идентификатор канала или супергруппы в формат -100....
func MarkChannelID(id int64) int64 {
	return -(channelIDOffset + id)
}

// MarkChatID переводит идентификатор обычной группы в отрицательный формат.
func MarkChatID(id int64) int64 {
	return -id
}

// peer описывает чат, разрешённый до InputPeer.
type peer struct {
	id    int64
	input tg.InputPeerClass
}

func (p peer) PeerID() int64 { return p.id }

// Transport держит подключение одного аккаунта.
type Transport struct {
	client   *telegram.Client
	api      *tg.Client
	sender   *message.Sender
	uploader *uploader.Uploader
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	log      zerolog.Logger

	mu    sync.Mutex
	peers map[int64]peer
}

var _ domain.Transport = (*Transport)(nil)

func (t *Transport) observe(op string, start time.Time, err error) {
	metrics.ObserveNetworkRequest("mtproto", op, "telegram", start, err)
}

// Authorized проверяет, что сессия действительна.
func (t *Transport) Authorized(ctx context.Context) (bool, error) {
	start := time.Now()
	status, err := t.client.Auth().Status(ctx)
	t.observe("auth_status", start, err)
	if err != nil {
		return false, classify("auth_status", err)
	}
	return status.Authorized, nil
}

// Self возвращает владельца сессии.
func (t *Transport) Self(ctx context.Context) (domain.SelfInfo, error) {
	start := time.Now()
	user, err := t.client.Self(ctx)
	t.observe("self", start, err)
	if err != nil {
		return domain.SelfInfo{}, classify("self", err)
	}
	return domain.SelfInfo{
		TGUserID:  user.ID,
		FirstName: user.FirstName,
		Username:  user.Username,
		Phone:     user.Phone,
	}, nil
}

// ListDestinations возвращает группы и каналы, в которых состоит аккаунт,
// и обновляет кэш InputPeer.
func (t *Transport) ListDestinations(ctx context.Context) ([]domain.ExternalDestination, error) {
	start := time.Now()
	res, err := t.api.MessagesGetAllChats(ctx, nil)
	t.observe("get_all_chats", start, err)
	if err != nil {
		return nil, classify("get_all_chats", err)
	}
	found, peers := collectDestinations(res.GetChats())

	t.mu.Lock()
	t.peers = peers
	t.mu.Unlock()
	return found, nil
}

// collectDestinations отбирает чаты, куда аккаунт может писать.
func collectDestinations(chats []tg.ChatClass) ([]domain.ExternalDestination, map[int64]peer) {
	found := make([]domain.ExternalDestination, 0, len(chats))
	peers := make(map[int64]peer, len(chats))
	for _, raw := range chats {
		switch c := raw.(type) {
		case *tg.Chat:
			if c.Deactivated || c.Left {
				continue
			}
			id := MarkChatID(c.ID)
			peers[id] = peer{id: id, input: &tg.InputPeerChat{ChatID: c.ID}}
			found = append(found, domain.ExternalDestination{ExternalID: id, Title: c.Title, Kind: domain.DestinationGroup})
		case *tg.Channel:
			if c.Left {
				continue
			}
			id := MarkChannelID(c.ID)
			kind := domain.DestinationGroup
			if c.Broadcast {
				kind = domain.DestinationChannel
			}
			peers[id] = peer{id: id, input: &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}}
			found = append(found, domain.ExternalDestination{ExternalID: id, Title: c.Title, Kind: kind})
		}
	}
	return found, peers
}

// Resolve находит чат среди диалогов аккаунта, при промахе перечитывая список.
func (t *Transport) Resolve(ctx context.Context, externalID int64) (domain.Peer, error) {
	if p, ok := t.cached(externalID); ok {
		return p, nil
	}
	if _, err := t.ListDestinations(ctx); err != nil {
		return nil, err
	}
	if p, ok := t.cached(externalID); ok {
		return p, nil
	}
	return nil, fmt.Errorf("чат %d: %w", externalID, domain.ErrDestinationUnavailable)
}

func (t *Transport) cached(id int64) (peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

func inputPeer(p domain.Peer) (tg.InputPeerClass, error) {
	resolved, ok := p.(peer)
	if !ok {
		return nil, fmt.Errorf("%w: чужой тип чата %T", domain.ErrDestinationUnavailable, p)
	}
	return resolved.input, nil
}

// SendText отправляет текстовое сообщение.
func (t *Transport) SendText(ctx context.Context, p domain.Peer, text string) error {
	input, err := inputPeer(p)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = t.sender.To(input).Text(ctx, text)
	t.observe("send_text", start, err)
	return classify("send_text", err)
}

// SendPhoto загружает фото с диска и отправляет его с подписью.
func (t *Transport) SendPhoto(ctx context.Context, p domain.Peer, photoRef, caption string) error {
	input, err := inputPeer(p)
	if err != nil {
		return err
	}
	start := time.Now()
	file, err := t.uploader.FromPath(ctx, photoRef)
	t.observe("upload_photo", start, err)
	if err != nil {
		return classify("upload_photo", err)
	}

	var opts []styling.StyledTextOption
	if caption != "" {
		opts = append(opts, styling.Plain(caption))
	}
	start = time.Now()
	_, err = t.sender.To(input).Media(ctx, message.UploadedPhoto(file, opts...))
	t.observe("send_photo", start, err)
	return classify("send_photo", err)
}

// Close останавливает клиент и ждёт его завершения.
func (t *Transport) Close() error {
	t.cancel()
	<-t.done
	if t.runErr != nil && !errors.Is(t.runErr, context.Canceled) {
		t.log.Debug().Err(t.runErr).Msg("mtproto: клиент завершился с ошибкой")
	}
	return nil
}
