package domain

import (
	"context"
	"time"
)

// AccountRepo управляет аккаунтами.
type AccountRepo interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error)
	UpsertAccount(ctx context.Context, account Account) (Account, error)
	CountAccounts(ctx context.Context) (int, error)
}

// DestinationRepo управляет чатами аккаунтов.
type DestinationRepo interface {
	GetDestination(ctx context.Context, id int64) (Destination, error)
	ListDestinations(ctx context.Context, accountID int64) ([]Destination, error)
	// ReplaceDestinations заменяет список чатов аккаунта целиком.
	ReplaceDestinations(ctx context.Context, accountID int64, found []ExternalDestination) (int, error)
	CountDestinations(ctx context.Context) (int, error)
}

// JobFilter ограничивает выборку рассылок. Нулевые поля не участвуют в фильтре.
type JobFilter struct {
	Active        *bool
	AccountID     int64
	DestinationID int64
	CampaignID    string
	Limit         int
}

// JobRepo управляет рассылками.
type JobRepo interface {
	CreateJobs(ctx context.Context, jobs []Job) ([]int64, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	CountJobs(ctx context.Context, filter JobFilter) (int, error)
	MarkStarted(ctx context.Context, id int64, at time.Time) error
	MarkStopped(ctx context.Context, id int64, at time.Time) error
	// DeactivateAll снимает флаг активности со всех рассылок и возвращает их количество.
	DeactivateAll(ctx context.Context, at time.Time) (int, error)
	DeleteJob(ctx context.Context, id int64) error
}

// DeliveryRepo хранит журнал доставки.
type DeliveryRepo interface {
	AppendDelivery(ctx context.Context, record DeliveryRecord) error
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	// CountDeliveriesByOutcome считает записи рассылки; jobID == 0 означает все рассылки.
	// Ненулевой until оставляет только записи не позже этого момента.
	CountDeliveriesByOutcome(ctx context.Context, jobID int64, until time.Time) (OutcomeCounts, error)
	ClearDeliveries(ctx context.Context) (int, error)
}

// SessionRepo хранит MTProto-сессии аккаунтов.
type SessionRepo interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// Peer описывает разрешённый транспортом чат, готовый к отправке.
type Peer interface {
	PeerID() int64
}

// SelfInfo описывает пользователя, которому принадлежит сессия.
type SelfInfo struct {
	TGUserID  int64
	FirstName string
	Username  string
	Phone     string
}

// Transport представляет живое подключение аккаунта к Telegram.
type Transport interface {
	Authorized(ctx context.Context) (bool, error)
	Self(ctx context.Context) (SelfInfo, error)
	ListDestinations(ctx context.Context) ([]ExternalDestination, error)
	Resolve(ctx context.Context, externalID int64) (Peer, error)
	SendText(ctx context.Context, peer Peer, text string) error
	SendPhoto(ctx context.Context, peer Peer, photoRef, caption string) error
	Close() error
}

// Connector открывает транспорт по учётным данным аккаунта.
type Connector interface {
	Connect(ctx context.Context, account Account) (Transport, error)
}

// Alerter доставляет предупреждения оператору.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

// ThrottleWindow хранит настройки ночного режима.
type ThrottleWindow struct {
	Enabled    bool    `json:"enabled"`
	StartHour  int     `json:"start_hour"`
	EndHour    int     `json:"end_hour"`
	Multiplier float64 `json:"multiplier"`
}

// ThrottleStore сохраняет настройки ночного режима между перезапусками.
type ThrottleStore interface {
	LoadWindow(ctx context.Context) (ThrottleWindow, bool, error)
	SaveWindow(ctx context.Context, w ThrottleWindow) error
}
