package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.AccountRepo     = (*Postgres)(nil)
	_ domain.DestinationRepo = (*Postgres)(nil)
	_ domain.JobRepo         = (*Postgres)(nil)
	_ domain.DeliveryRepo    = (*Postgres)(nil)
	_ domain.SessionRepo     = (*Postgres)(nil)
)

const activePairConstraint = "jobs_active_pair_key"

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

const accountColumns = `id, tg_user_id, name, phone, username, api_id, api_hash, session_name, active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		a        domain.Account
		tgUserID sql.NullInt64
	)
	if err := row.Scan(&a.ID, &tgUserID, &a.Name, &a.Phone, &a.Username, &a.APIID, &a.APIHash, &a.SessionName, &a.Active, &a.CreatedAt); err != nil {
		return domain.Account{}, err
	}
	if tgUserID.Valid {
		a.TGUserID = tgUserID.Int64
	}
	return a, nil
}

// GetAccount возвращает аккаунт по идентификатору.
func (p *Postgres) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	a, err := scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "accounts_get", "accounts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, err
}

// ListAccounts возвращает аккаунты по возрастанию идентификатора.
func (p *Postgres) ListAccounts(ctx context.Context, activeOnly bool) ([]domain.Account, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+accountColumns+`
FROM accounts
WHERE NOT $1 OR active
ORDER BY id
`, activeOnly)
	metrics.ObserveNetworkRequest("postgres", "accounts_list", "accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertAccount создаёт аккаунт или обновляет его по имени сессии.
func (p *Postgres) UpsertAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	sessionName := strings.TrimSpace(a.SessionName)
	if sessionName == "" {
		return domain.Account{}, fmt.Errorf("%w: не указано имя сессии", domain.ErrInvalidJob)
	}
	var tgUserID sql.NullInt64
	if a.TGUserID != 0 {
		tgUserID = sql.NullInt64{Int64: a.TGUserID, Valid: true}
	}

	start := time.Now()
	saved, err := scanAccount(p.pool.QueryRow(ctx, `
INSERT INTO accounts (tg_user_id, name, phone, username, api_id, api_hash, session_name, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_name) DO UPDATE SET
	tg_user_id = COALESCE(EXCLUDED.tg_user_id, accounts.tg_user_id),
	name = EXCLUDED.name,
	phone = EXCLUDED.phone,
	username = EXCLUDED.username,
	api_id = EXCLUDED.api_id,
	api_hash = EXCLUDED.api_hash,
	active = EXCLUDED.active
RETURNING `+accountColumns,
		tgUserID, strings.TrimSpace(a.Name), strings.TrimSpace(a.Phone), strings.TrimSpace(a.Username),
		a.APIID, a.APIHash, sessionName, a.Active))
	metrics.ObserveNetworkRequest("postgres", "accounts_upsert", "accounts", start, err)
	return saved, err
}

// CountAccounts возвращает количество аккаунтов.
func (p *Postgres) CountAccounts(ctx context.Context) (int, error) {
	return p.count(ctx, "accounts_count", "accounts", `SELECT COUNT(*) FROM accounts`)
}

func (p *Postgres) count(ctx context.Context, op, table, query string, args ...any) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var n int
	start := time.Now()
	err := p.pool.QueryRow(ctx, query, args...).Scan(&n)
	metrics.ObserveNetworkRequest("postgres", op, table, start, err)
	return n, err
}

const destinationColumns = `id, account_id, external_id, title, kind, created_at`

func scanDestination(row rowScanner) (domain.Destination, error) {
	var (
		d    domain.Destination
		kind string
	)
	if err := row.Scan(&d.ID, &d.AccountID, &d.ExternalID, &d.Title, &kind, &d.CreatedAt); err != nil {
		return domain.Destination{}, err
	}
	d.Kind = domain.DestinationKind(kind)
	return d, nil
}

// GetDestination возвращает чат по идентификатору.
func (p *Postgres) GetDestination(ctx context.Context, id int64) (domain.Destination, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	d, err := scanDestination(p.pool.QueryRow(ctx, `SELECT `+destinationColumns+` FROM destinations WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "destinations_get", "destinations", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Destination{}, domain.ErrNotFound
	}
	return d, err
}

// ListDestinations возвращает чаты аккаунта.
func (p *Postgres) ListDestinations(ctx context.Context, accountID int64) ([]domain.Destination, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+destinationColumns+`
FROM destinations
WHERE account_id = $1
ORDER BY id
`, accountID)
	metrics.ObserveNetworkRequest("postgres", "destinations_list", "destinations", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ReplaceDestinations приводит чаты аккаунта к найденному списку в одной транзакции.
// Существующие чаты сохраняют идентификаторы, пропавшие удаляются вместе с рассылками.
func (p *Postgres) ReplaceDestinations(ctx context.Context, accountID int64, found []domain.ExternalDestination) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "destinations", start, err)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	externalIDs := make([]int64, 0, len(found))
	for _, f := range found {
		externalIDs = append(externalIDs, f.ExternalID)
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO destinations (account_id, external_id, title, kind)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account_id, external_id) DO UPDATE SET title = EXCLUDED.title, kind = EXCLUDED.kind
`, accountID, f.ExternalID, f.Title, string(f.Kind))
		metrics.ObserveNetworkRequest("postgres", "destinations_upsert", "destinations", start, err)
		if err != nil {
			return 0, err
		}
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM destinations WHERE account_id = $1 AND NOT (external_id = ANY($2))`, accountID, externalIDs)
	metrics.ObserveNetworkRequest("postgres", "destinations_prune", "destinations", start, err)
	if err != nil {
		return 0, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "destinations", start, err)
	if err != nil {
		return 0, err
	}
	return len(found), nil
}

// CountDestinations возвращает количество чатов всех аккаунтов.
func (p *Postgres) CountDestinations(ctx context.Context) (int, error) {
	return p.count(ctx, "destinations_count", "destinations", `SELECT COUNT(*) FROM destinations`)
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}
