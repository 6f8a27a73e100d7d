package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

const jobColumns = `id, account_id, destination_id, campaign_id, payload, min_interval, max_interval, active, created_at, started_at, stopped_at`

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j         domain.Job
		payload   []byte
		startedAt sql.NullTime
		stoppedAt sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.AccountID, &j.DestinationID, &j.CampaignID, &payload,
		&j.MinInterval, &j.MaxInterval, &j.Active, &j.CreatedAt, &startedAt, &stoppedAt); err != nil {
		return domain.Job{}, err
	}
	p, err := domain.UnmarshalPayload(payload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("рассылка %d: %w", j.ID, err)
	}
	j.Payload = p
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		j.StoppedAt = &t
	}
	return j, nil
}

// CreateJobs сохраняет неактивные рассылки в одной транзакции.
func (p *Postgres) CreateJobs(ctx context.Context, jobs []domain.Job) ([]int64, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		payload, err := domain.MarshalPayload(j.Payload)
		if err != nil {
			return nil, err
		}
		createdAt := j.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var id int64
		start = time.Now()
		err = tx.QueryRow(ctx, `
INSERT INTO jobs (account_id, destination_id, campaign_id, payload, min_interval, max_interval, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id
`, j.AccountID, j.DestinationID, j.CampaignID, payload, j.MinInterval, j.MaxInterval, j.Active, createdAt).Scan(&id)
		metrics.ObserveNetworkRequest("postgres", "jobs_insert", "jobs", start, err)
		if err != nil {
			if isUniqueViolation(err, activePairConstraint) {
				return nil, fmt.Errorf("пара %d/%d: %w", j.AccountID, j.DestinationID, domain.ErrAlreadyActive)
			}
			return nil, err
		}
		ids = append(ids, id)
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "jobs", start, err)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetJob возвращает рассылку по идентификатору.
func (p *Postgres) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	j, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "jobs_get", "jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, err
}

// jobWhere собирает условие выборки по фильтру.
func jobWhere(f domain.JobFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Active != nil {
		add("active = $%d", *f.Active)
	}
	if f.AccountID != 0 {
		add("account_id = $%d", f.AccountID)
	}
	if f.DestinationID != 0 {
		add("destination_id = $%d", f.DestinationID)
	}
	if f.CampaignID != "" {
		add("campaign_id = $%d", f.CampaignID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListJobs возвращает рассылки по фильтру.
func (p *Postgres) ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	where, args := jobWhere(f)
	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "jobs_list", "jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// CountJobs возвращает количество рассылок по фильтру.
func (p *Postgres) CountJobs(ctx context.Context, f domain.JobFilter) (int, error) {
	where, args := jobWhere(f)
	return p.count(ctx, "jobs_count", "jobs", `SELECT COUNT(*) FROM jobs`+where, args...)
}

// MarkStarted помечает рассылку активной.
func (p *Postgres) MarkStarted(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE jobs SET active = TRUE, started_at = $2, stopped_at = NULL WHERE id = $1`, id, at)
	metrics.ObserveNetworkRequest("postgres", "jobs_mark_started", "jobs", start, err)
	if err != nil {
		if isUniqueViolation(err, activePairConstraint) {
			return fmt.Errorf("рассылка %d: %w", id, domain.ErrAlreadyActive)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkStopped снимает флаг активности. Повторный вызов безопасен.
func (p *Postgres) MarkStopped(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE jobs
SET active = FALSE,
	stopped_at = CASE WHEN active THEN $2 ELSE stopped_at END
WHERE id = $1
`, id, at)
	metrics.ObserveNetworkRequest("postgres", "jobs_mark_stopped", "jobs", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeactivateAll снимает флаг активности со всех рассылок.
func (p *Postgres) DeactivateAll(ctx context.Context, at time.Time) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE jobs SET active = FALSE, stopped_at = $1 WHERE active`, at)
	metrics.ObserveNetworkRequest("postgres", "jobs_deactivate_all", "jobs", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// DeleteJob удаляет рассылку. Журнал доставки сохраняется.
func (p *Postgres) DeleteJob(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "jobs_delete", "jobs", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendDelivery добавляет запись в журнал доставки.
func (p *Postgres) AppendDelivery(ctx context.Context, r domain.DeliveryRecord) error {
	if !r.Outcome.Valid() {
		return fmt.Errorf("неизвестный исход %q", r.Outcome)
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var detail sql.NullString
	if r.Detail != "" {
		detail = sql.NullString{String: r.Detail, Valid: true}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO deliveries (job_id, destination_id, outcome, detail, created_at)
VALUES ($1, $2, $3, $4, $5)
`, r.JobID, r.DestinationID, string(r.Outcome), detail, r.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "deliveries_insert", "deliveries", start, err)
	return err
}

// RecentDeliveries возвращает последние записи, новые первыми.
func (p *Postgres) RecentDeliveries(ctx context.Context, limit int) ([]domain.DeliveryRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, job_id, destination_id, outcome, detail, created_at
FROM deliveries
ORDER BY created_at DESC, id DESC
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "deliveries_recent", "deliveries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.DeliveryRecord
	for rows.Next() {
		var (
			r       domain.DeliveryRecord
			outcome string
			detail  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.DestinationID, &outcome, &detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Outcome = domain.Outcome(outcome)
		if detail.Valid {
			r.Detail = detail.String
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// countDeliveriesSQL: $1 всегда bigint, $2 всегда timestamptz или NULL.
const countDeliveriesSQL = `
SELECT outcome, COUNT(*)
FROM deliveries
WHERE ($1::bigint = 0 OR job_id = $1::bigint)
  AND ($2::timestamptz IS NULL OR created_at <= $2::timestamptz)
GROUP BY outcome
`

// untilArg превращает нулевое время в NULL.
func untilArg(until time.Time) *time.Time {
	if until.IsZero() {
		return nil
	}
	u := until.UTC()
	return &u
}

// CountDeliveriesByOutcome считает записи по исходам; jobID == 0 означает все рассылки,
// нулевой until снимает ограничение по времени.
func (p *Postgres) CountDeliveriesByOutcome(ctx context.Context, jobID int64, until time.Time) (domain.OutcomeCounts, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, countDeliveriesSQL, jobID, untilArg(until))
	metrics.ObserveNetworkRequest("postgres", "deliveries_count", "deliveries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := domain.OutcomeCounts{}
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[domain.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// ClearDeliveries очищает журнал и возвращает число удалённых записей.
func (p *Postgres) ClearDeliveries(ctx context.Context) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM deliveries`)
	metrics.ObserveNetworkRequest("postgres", "deliveries_clear", "deliveries", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
