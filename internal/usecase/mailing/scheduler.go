package mailing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
	"tg-mailing-bot/internal/usecase/deliverylog"
	"tg-mailing-bot/internal/usecase/registry"
	"tg-mailing-bot/internal/usecase/throttle"
	"tg-mailing-bot/internal/usecase/transportpool"
)

const (
	defaultFloodMargin = 5 * time.Second
	defaultErrorStreak = 3
)

// Deps собирает зависимости планировщика.
type Deps struct {
	Accounts     domain.AccountRepo
	Destinations domain.DestinationRepo
	Jobs         domain.JobRepo
	Log          *deliverylog.Log
	Pool         *transportpool.Pool
	Registry     *registry.Registry
	Policy       *throttle.Policy
	Settings     *throttle.Settings
	// Alerter получает предупреждения о сериях ошибок; может быть nil.
	Alerter domain.Alerter
	// Clock по умолчанию берёт системные часы.
	Clock Clock
}

// Options задаёт поведение рассылок.
type Options struct {
	// FloodMargin добавляется к ожиданию, которое требует Telegram.
	FloodMargin time.Duration
	// ErrorStreak: после стольких ошибок подряд уходит предупреждение.
	ErrorStreak int
	// StartDelay задаёт паузу между запусками рассылок кампании.
	StartDelay time.Duration
}

// Scheduler управляет жизненным циклом рассылок и их циклами отправки.
type Scheduler struct {
	accounts     domain.AccountRepo
	destinations domain.DestinationRepo
	jobs         domain.JobRepo
	log          *deliverylog.Log
	pool         *transportpool.Pool
	registry     *registry.Registry
	policy       *throttle.Policy
	settings     *throttle.Settings
	alerter      domain.Alerter
	clock        Clock
	opts         Options
	logger       zerolog.Logger

	ready atomic.Bool
	locks *keyedMutex
	// pairs сериализует запуски внутри пары (аккаунт, чат); берётся раньше locks.
	pairs  *keyedMutex
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	starting     context.Context
	stopStarting context.CancelFunc
	starters     sync.WaitGroup

	campaignsMu sync.Mutex
	campaigns   map[string]Campaign

	pick func(n int) int
}

// JobStatus описывает рассылку вместе с состоянием её цикла.
type JobStatus struct {
	Job     domain.Job           `json:"job"`
	Running bool                 `json:"running"`
	Loop    *registry.LoopStats  `json:"loop,omitempty"`
	Counts  domain.OutcomeCounts `json:"counts,omitempty"`
}

// NewScheduler создаёт планировщик. До CleanupOnStartup запуск рассылок запрещён.
func NewScheduler(deps Deps, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.FloodMargin <= 0 {
		opts.FloodMargin = defaultFloodMargin
	}
	if opts.ErrorStreak <= 0 {
		opts.ErrorStreak = defaultErrorStreak
	}
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	reg := deps.Registry
	if reg == nil {
		reg = registry.New()
	}
	root, cancel := context.WithCancel(context.Background())
	starting, stopStarting := context.WithCancel(context.Background())
	return &Scheduler{
		accounts:     deps.Accounts,
		destinations: deps.Destinations,
		jobs:         deps.Jobs,
		log:          deps.Log,
		pool:         deps.Pool,
		registry:     reg,
		policy:       deps.Policy,
		settings:     deps.Settings,
		alerter:      deps.Alerter,
		clock:        clock,
		opts:         opts,
		logger:       logger,
		locks:        newKeyedMutex(),
		pairs:        newKeyedMutex(),
		root:         root,
		cancel:       cancel,
		starting:     starting,
		stopStarting: stopStarting,
		campaigns:    make(map[string]Campaign),
	}
}

// Registry возвращает реестр работающих циклов.
func (s *Scheduler) Registry() *registry.Registry {
	return s.registry
}

// Ready сообщает, выполнена ли очистка после запуска.
func (s *Scheduler) Ready() bool {
	return s.ready.Load()
}

// CleanupOnStartup снимает флаг активности со всех сохранённых рассылок:
// после перезапуска ни один цикл не может быть живым.
func (s *Scheduler) CleanupOnStartup(ctx context.Context) (int, error) {
	if err := s.registry.CancelAll(ctx); err != nil {
		return 0, fmt.Errorf("остановка циклов: %w", err)
	}
	n, err := s.jobs.DeactivateAll(ctx, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("очистка активных рассылок: %w", err)
	}
	s.ready.Store(true)
	s.logger.Info().Int("deactivated", n).Msg("mailing: активные рассылки сброшены после запуска")
	return n, nil
}

// CreateFanout создаёт неактивную рассылку на каждую пару (аккаунт, чат).
// Пустой список аккаунтов означает все активные аккаунты.
func (s *Scheduler) CreateFanout(ctx context.Context, spec domain.FanoutSpec) ([]int64, error) {
	return s.createFanout(ctx, spec, "")
}

func (s *Scheduler) createFanout(ctx context.Context, spec domain.FanoutSpec, campaignID string) ([]int64, error) {
	if err := domain.ValidateIntervals(spec.MinInterval, spec.MaxInterval); err != nil {
		return nil, fmt.Errorf("%w: интервал %d..%d", err, spec.MinInterval, spec.MaxInterval)
	}
	if err := spec.Payload.Validate(); err != nil {
		return nil, err
	}

	accounts, err := s.fanoutAccounts(ctx, spec.AccountIDs)
	if err != nil {
		return nil, err
	}

	wanted := make(map[int64]bool, len(spec.DestinationIDs))
	for _, id := range spec.DestinationIDs {
		wanted[id] = false
	}

	now := s.clock.Now().UTC()
	var jobs []domain.Job
	for _, account := range accounts {
		destinations, err := s.destinations.ListDestinations(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("чаты аккаунта %d: %w", account.ID, err)
		}
		for _, dest := range destinations {
			if len(wanted) > 0 {
				if _, ok := wanted[dest.ID]; !ok {
					continue
				}
				wanted[dest.ID] = true
			}
			jobs = append(jobs, domain.Job{
				AccountID:     account.ID,
				DestinationID: dest.ID,
				CampaignID:    campaignID,
				Payload:       spec.Payload,
				MinInterval:   spec.MinInterval,
				MaxInterval:   spec.MaxInterval,
				CreatedAt:     now,
			})
		}
	}
	for id, matched := range wanted {
		if !matched {
			return nil, fmt.Errorf("чат %d среди выбранных аккаунтов: %w", id, domain.ErrNotFound)
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	ids, err := s.jobs.CreateJobs(ctx, jobs)
	if err != nil {
		return nil, fmt.Errorf("создание рассылок: %w", err)
	}
	s.logger.Info().Int("jobs", len(ids)).Int("accounts", len(accounts)).Str("campaign", campaignID).Msg("mailing: рассылки созданы")
	return ids, nil
}

func (s *Scheduler) fanoutAccounts(ctx context.Context, ids []int64) ([]domain.Account, error) {
	if len(ids) == 0 {
		accounts, err := s.accounts.ListAccounts(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("список аккаунтов: %w", err)
		}
		return accounts, nil
	}
	accounts := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		account, err := s.accounts.GetAccount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("аккаунт %d: %w", id, err)
		}
		if !account.Active {
			return nil, fmt.Errorf("аккаунт %d: %w", id, domain.ErrAccountDisabled)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// Start запускает цикл рассылки. Прежняя активная рассылка той же пары
// останавливается только когда новая готова к запуску: при ошибке запуска
// она продолжает работать.
func (s *Scheduler) Start(ctx context.Context, id int64) error {
	if !s.ready.Load() {
		return domain.ErrNotReady
	}
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("рассылка %d: %w", id, err)
	}

	unlockPair := s.pairs.Lock(job.DestinationID)
	defer unlockPair()
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.startLocked(ctx, id)
}

// stopPairConflicts останавливает другие активные рассылки той же пары (аккаунт, чат).
func (s *Scheduler) stopPairConflicts(ctx context.Context, job domain.Job) error {
	active := true
	others, err := s.jobs.ListJobs(ctx, domain.JobFilter{Active: &active, AccountID: job.AccountID, DestinationID: job.DestinationID})
	if err != nil {
		return fmt.Errorf("поиск рассылок пары: %w", err)
	}
	for _, other := range others {
		if other.ID == job.ID {
			continue
		}
		s.logger.Info().Int64("job", job.ID).Int64("previous", other.ID).Msg("mailing: останавливаем прежнюю рассылку пары")
		if err := s.Stop(ctx, other.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("остановка рассылки %d: %w", other.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) startLocked(ctx context.Context, id int64) error {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("рассылка %d: %w", id, err)
	}
	if s.registry.IsRunning(id) {
		return fmt.Errorf("рассылка %d: %w", id, domain.ErrAlreadyActive)
	}
	if job.Active {
		s.logger.Warn().Int64("job", id).Msg("mailing: флаг активности без живого цикла, сбрасываем")
		if err := s.jobs.MarkStopped(ctx, id, s.clock.Now().UTC()); err != nil {
			return fmt.Errorf("сброс рассылки %d: %w", id, err)
		}
	}

	account, err := s.accounts.GetAccount(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("аккаунт %d: %w", job.AccountID, err)
	}
	if !account.Active {
		return fmt.Errorf("аккаунт %d: %w", account.ID, domain.ErrAccountDisabled)
	}

	handle, err := s.pool.Acquire(ctx, account)
	if err != nil {
		return fmt.Errorf("рассылка %d: %w", id, err)
	}
	if err := s.stopPairConflicts(ctx, job); err != nil {
		s.pool.Release(account.ID)
		return err
	}

	loopCtx, cancel := context.WithCancel(s.root)
	now := s.clock.Now().UTC()
	task := registry.NewTask(id, account.ID, job.CampaignID, cancel, now)
	if !s.registry.Register(id, task) {
		cancel()
		s.pool.Release(account.ID)
		return fmt.Errorf("рассылка %d: %w", id, domain.ErrAlreadyActive)
	}
	if err := s.jobs.MarkStarted(ctx, id, now); err != nil {
		s.registry.UnregisterTask(id, task)
		cancel()
		s.pool.Release(account.ID)
		return fmt.Errorf("запуск рассылки %d: %w", id, err)
	}
	job.Active = true
	job.StartedAt = &now

	s.wg.Add(1)
	go s.run(loopCtx, task, handle, job)
	s.logger.Info().Int64("job", id).Int64("account", account.ID).Int64("destination", job.DestinationID).Str("payload", job.Payload.Preview(40)).Msg("mailing: рассылка запущена")
	return nil
}

// Stop останавливает рассылку и возвращается только после завершения цикла.
// Повторный вызов безопасен.
func (s *Scheduler) Stop(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if task, ok := s.registry.Get(id); ok {
		task.Cancel()
		if err := task.Wait(ctx); err != nil {
			return fmt.Errorf("ожидание остановки рассылки %d: %w", id, err)
		}
		s.registry.UnregisterTask(id, task)
	}
	if err := s.jobs.MarkStopped(ctx, id, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("остановка рассылки %d: %w", id, err)
	}
	s.logger.Info().Int64("job", id).Msg("mailing: рассылка остановлена")
	return nil
}

// StopAll останавливает все активные рассылки. Ошибка одной рассылки не мешает
// остальным; возвращается число успешно остановленных.
func (s *Scheduler) StopAll(ctx context.Context) (int, error) {
	ids := make(map[int64]struct{})
	for _, id := range s.registry.IDs() {
		ids[id] = struct{}{}
	}
	active := true
	persisted, err := s.jobs.ListJobs(ctx, domain.JobFilter{Active: &active})
	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("список активных рассылок: %w", err))
	}
	for _, job := range persisted {
		ids[job.ID] = struct{}{}
	}

	stopped := 0
	for id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		stopped++
	}
	s.logger.Info().Int("stopped", stopped).Int("failed", len(errs)).Msg("mailing: остановка всех рассылок")
	return stopped, errors.Join(errs...)
}

// Delete удаляет остановленную рассылку.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if s.registry.IsRunning(id) {
		return fmt.Errorf("рассылка %d: %w", id, domain.ErrAlreadyActive)
	}
	if err := s.jobs.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("удаление рассылки %d: %w", id, err)
	}
	s.logger.Info().Int64("job", id).Msg("mailing: рассылка удалена")
	return nil
}

// Job возвращает рассылку с состоянием цикла. Сохранённый флаг приводится
// к состоянию реестра.
func (s *Scheduler) Job(ctx context.Context, id int64) (JobStatus, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return JobStatus{}, fmt.Errorf("рассылка %d: %w", id, err)
	}
	job, err = s.reconcile(ctx, job)
	if err != nil {
		return JobStatus{}, err
	}
	status := s.status(job)
	counts, err := s.log.CountByOutcome(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}
	status.Counts = counts
	return status, nil
}

// List возвращает рассылки по фильтру.
func (s *Scheduler) List(ctx context.Context, filter domain.JobFilter) ([]JobStatus, error) {
	jobs, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("список рассылок: %w", err)
	}
	out := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		job, err = s.reconcile(ctx, job)
		if err != nil {
			return nil, err
		}
		out = append(out, s.status(job))
	}
	return out, nil
}

func (s *Scheduler) status(job domain.Job) JobStatus {
	status := JobStatus{Job: job}
	if task, ok := s.registry.Get(job.ID); ok {
		stats := task.Stats()
		status.Running = true
		status.Loop = &stats
	}
	return status
}

// reconcile снимает сохранённый флаг активности, если живого цикла нет.
func (s *Scheduler) reconcile(ctx context.Context, job domain.Job) (domain.Job, error) {
	if !job.Active || s.registry.IsRunning(job.ID) {
		return job, nil
	}
	unlock := s.locks.Lock(job.ID)
	defer unlock()
	if s.registry.IsRunning(job.ID) {
		return job, nil
	}
	fresh, err := s.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return job, fmt.Errorf("рассылка %d: %w", job.ID, err)
	}
	if !fresh.Active {
		return fresh, nil
	}
	now := s.clock.Now().UTC()
	if err := s.jobs.MarkStopped(ctx, job.ID, now); err != nil {
		return job, fmt.Errorf("сброс рассылки %d: %w", job.ID, err)
	}
	s.logger.Warn().Int64("job", job.ID).Msg("mailing: рассылка без живого цикла помечена остановленной")
	fresh.Active = false
	fresh.StoppedAt = &now
	return fresh, nil
}

// Shutdown останавливает все циклы и закрывает подключения.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var errs []error
	s.stopStarting()
	s.starters.Wait()
	for _, id := range s.registry.IDs() {
		if err := s.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("ожидание циклов: %w", ctx.Err()))
	}
	if err := s.pool.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	metrics.ActiveLoops.Set(float64(s.registry.Len()))
	return errors.Join(errs...)
}
