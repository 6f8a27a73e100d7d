package mtproto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/uploader"
	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

// Connector открывает MTProto-подключения аккаунтов.
type Connector struct {
	sessions domain.SessionRepo
	apiID    int
	apiHash  string
	log      zerolog.Logger
}

// NewConnector создаёт фабрику подключений. apiID и apiHash используются для
// аккаунтов без собственных ключей приложения.
func NewConnector(sessions domain.SessionRepo, apiID int, apiHash string, log zerolog.Logger) *Connector {
	return &Connector{sessions: sessions, apiID: apiID, apiHash: apiHash, log: log}
}

var _ domain.Connector = (*Connector)(nil)

// Connect запускает клиент аккаунта и ждёт установления соединения.
func (c *Connector) Connect(ctx context.Context, account domain.Account) (domain.Transport, error) {
	apiID, apiHash := account.APIID, account.APIHash
	if apiID == 0 || apiHash == "" {
		apiID, apiHash = c.apiID, c.apiHash
	}
	if apiID == 0 || apiHash == "" {
		return nil, fmt.Errorf("аккаунт %d: не заданы api_id/api_hash", account.ID)
	}
	name := account.SessionName
	if name == "" {
		return nil, fmt.Errorf("аккаунт %d: не задано имя сессии", account.ID)
	}
	t, err := Open(ctx, apiID, apiHash, NewSessionDB(c.sessions, name), c.log.With().Int64("account", account.ID).Logger())
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Open запускает клиент с указанным хранилищем сессии.
func Open(ctx context.Context, apiID int, apiHash string, storage session.Storage, log zerolog.Logger) (*Transport, error) {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		client: client,
		cancel: cancel,
		done:   make(chan struct{}),
		peers:  make(map[int64]peer),
		log:    log,
	}
	ready := make(chan struct{})

	start := time.Now()
	go func() {
		defer close(t.done)
		t.runErr = client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, nil)
	case <-t.done:
		cancel()
		err := t.runErr
		if err == nil {
			err = errors.New("клиент завершился до подключения")
		}
		metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, err)
		return nil, classify("connect", err)
	case <-ctx.Done():
		cancel()
		<-t.done
		metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, ctx.Err())
		return nil, ctx.Err()
	}

	api := client.API()
	t.api = api
	t.sender = message.NewSender(api)
	t.uploader = uploader.NewUploader(api)
	log.Debug().Msg("mtproto: клиент подключён")
	return t, nil
}
