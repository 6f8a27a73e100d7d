package transportpool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

const defaultOpenTimeout = 30 * time.Second

// Options задаёт ограничения пула.
type Options struct {
	// OpenTimeout ограничивает подключение и проверку авторизации.
	OpenTimeout time.Duration
	// GlobalRPS ограничивает общий поток MTProto-запросов всех аккаунтов; 0 выключает лимит.
	GlobalRPS float64
}

// Pool держит не больше одного подключения на аккаунт и считает ссылки рассылок.
type Pool struct {
	connector   domain.Connector
	limiter     *rate.Limiter
	openTimeout time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	entries map[int64]*entry
}

type entry struct {
	accountID int64

	// open сериализует подключение, send сериализует отправки через общий транспорт.
	open sync.Mutex
	send sync.Mutex

	// Поля ниже защищены Pool.mu.
	transport domain.Transport
	refs      int
	pending   int
	openedAt  time.Time
}

// New создаёт пул.
func New(connector domain.Connector, opts Options, logger zerolog.Logger) *Pool {
	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	var limiter *rate.Limiter
	if opts.GlobalRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.GlobalRPS), max(1, int(math.Ceil(opts.GlobalRPS))))
	}
	return &Pool{
		connector:   connector,
		limiter:     limiter,
		openTimeout: timeout,
		log:         logger,
		entries:     make(map[int64]*entry),
	}
}

// Acquire возвращает подключение аккаунта, открывая его при необходимости.
// Неавторизованная сессия возвращает domain.ErrNotAuthorized.
func (p *Pool) Acquire(ctx context.Context, account domain.Account) (*Handle, error) {
	p.mu.Lock()
	e, ok := p.entries[account.ID]
	if !ok {
		e = &entry{accountID: account.ID}
		p.entries[account.ID] = e
	}
	e.pending++
	p.mu.Unlock()

	e.open.Lock()
	defer e.open.Unlock()

	p.mu.Lock()
	live := e.transport
	p.mu.Unlock()

	if live == nil {
		transport, err := p.open(ctx, account)
		if err != nil {
			p.mu.Lock()
			e.pending--
			p.dropIfIdleLocked(e)
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		e.transport = transport
		e.openedAt = time.Now()
		p.mu.Unlock()
		p.log.Info().Int64("account", account.ID).Msg("transportpool: подключение открыто")
	}

	p.mu.Lock()
	e.pending--
	e.refs++
	p.mu.Unlock()
	p.updateGauge()
	return &Handle{pool: p, entry: e}, nil
}

func (p *Pool) open(ctx context.Context, account domain.Account) (domain.Transport, error) {
	openCtx, cancel := context.WithTimeout(ctx, p.openTimeout)
	defer cancel()

	start := time.Now()
	transport, err := p.connector.Connect(openCtx, account)
	metrics.ObserveNetworkRequest("mtproto", "connect", "account", start, err)
	if err != nil {
		return nil, fmt.Errorf("подключение аккаунта %d: %w", account.ID, err)
	}
	authorized, err := transport.Authorized(openCtx)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("проверка авторизации аккаунта %d: %w", account.ID, err)
	}
	if !authorized {
		_ = transport.Close()
		return nil, fmt.Errorf("аккаунт %d: %w", account.ID, domain.ErrNotAuthorized)
	}
	return transport, nil
}

// Release уменьшает счётчик ссылок и закрывает подключение на последней.
// Для неизвестного аккаунта ничего не делает.
func (p *Pool) Release(accountID int64) {
	p.mu.Lock()
	e, ok := p.entries[accountID]
	if !ok || e.refs == 0 {
		p.mu.Unlock()
		return
	}
	e.refs--
	var toClose domain.Transport
	if e.refs == 0 && e.pending == 0 {
		toClose = e.transport
		e.transport = nil
		delete(p.entries, accountID)
	}
	p.mu.Unlock()

	if toClose != nil {
		if err := toClose.Close(); err != nil {
			p.log.Warn().Err(err).Int64("account", accountID).Msg("transportpool: ошибка закрытия подключения")
		} else {
			p.log.Info().Int64("account", accountID).Msg("transportpool: подключение закрыто")
		}
	}
	p.updateGauge()
}

// dropIfIdleLocked удаляет запись без подключения и ссылок. Вызывается под p.mu.
func (p *Pool) dropIfIdleLocked(e *entry) {
	if e.refs == 0 && e.pending == 0 && e.transport == nil {
		if current, ok := p.entries[e.accountID]; ok && current == e {
			delete(p.entries, e.accountID)
		}
	}
}

// IsOpen сообщает, открыто ли подключение аккаунта.
func (p *Pool) IsOpen(accountID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[accountID]
	return ok && e.transport != nil
}

// Refs возвращает число ссылок на подключение аккаунта.
func (p *Pool) Refs(accountID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[accountID]; ok {
		return e.refs
	}
	return 0
}

// OpenTransport описывает состояние подключения для статуса.
type OpenTransport struct {
	AccountID int64     `json:"account_id"`
	Refs      int       `json:"refs"`
	OpenedAt  time.Time `json:"opened_at"`
}

// Open возвращает снимок открытых подключений.
func (p *Pool) Open() []OpenTransport {
	p.mu.Lock()
	out := make([]OpenTransport, 0, len(p.entries))
	for id, e := range p.entries {
		if e.transport == nil {
			continue
		}
		out = append(out, OpenTransport{AccountID: id, Refs: e.refs, OpenedAt: e.openedAt})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// CloseAll закрывает все подключения независимо от ссылок.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	transports := make(map[int64]domain.Transport, len(p.entries))
	for id, e := range p.entries {
		if e.transport != nil {
			transports[id] = e.transport
			e.transport = nil
		}
	}
	p.entries = make(map[int64]*entry)
	p.mu.Unlock()

	var errs []error
	for id, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("аккаунт %d: %w", id, err))
		}
	}
	p.updateGauge()
	return errors.Join(errs...)
}

func (p *Pool) updateGauge() {
	p.mu.Lock()
	n := 0
	for _, e := range p.entries {
		if e.transport != nil {
			n++
		}
	}
	p.mu.Unlock()
	metrics.OpenTransports.Set(float64(n))
}

func (p *Pool) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}
