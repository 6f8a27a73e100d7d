package mailing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"tg-mailing-bot/internal/domain"
)

// campaignTTL задаёт, сколько хранится итог запуска кампании без живых циклов.
const campaignTTL = 24 * time.Hour

// Campaign объединяет рассылки, созданные и запущенные вместе.
type Campaign struct {
	ID        string           `json:"id"`
	JobIDs    []int64          `json:"job_ids"`
	Started   []int64          `json:"started"`
	Failed    map[int64]string `json:"failed,omitempty"`
	Done      bool             `json:"done"`
	CreatedAt time.Time        `json:"created_at"`
}

func (c Campaign) clone() Campaign {
	c.JobIDs = append([]int64(nil), c.JobIDs...)
	c.Started = append([]int64(nil), c.Started...)
	failed := make(map[int64]string, len(c.Failed))
	for id, reason := range c.Failed {
		failed[id] = reason
	}
	c.Failed = failed
	return c
}

// CampaignProgress содержит снимок прогресса кампании.
type CampaignProgress struct {
	ID      string               `json:"id"`
	Jobs    int                  `json:"jobs"`
	Running int                  `json:"running"`
	Counts  domain.OutcomeCounts `json:"counts"`
	At      time.Time            `json:"at"`
}

// StartCampaign создаёт рассылки по всем парам и возвращается сразу после
// создания. Рассылки запускаются по очереди с паузой в фоне и не зависят
// от ctx вызывающего. Ошибка запуска одной рассылки не прерывает остальные,
// ход запуска виден через Campaign.
func (s *Scheduler) StartCampaign(ctx context.Context, spec domain.FanoutSpec) (Campaign, error) {
	if !s.ready.Load() {
		return Campaign{}, domain.ErrNotReady
	}
	campaign := Campaign{
		ID:        uuid.NewString(),
		Failed:    make(map[int64]string),
		CreatedAt: s.clock.Now().UTC(),
	}
	ids, err := s.createFanout(ctx, spec, campaign.ID)
	if err != nil {
		return Campaign{}, err
	}
	campaign.JobIDs = ids
	campaign.Done = len(ids) == 0

	s.campaignsMu.Lock()
	s.pruneCampaignsLocked(campaign.CreatedAt)
	s.campaigns[campaign.ID] = campaign.clone()
	s.campaignsMu.Unlock()

	if len(ids) > 0 {
		s.starters.Add(1)
		go s.startCampaignJobs(campaign.ID, ids)
	}
	return campaign, nil
}

// startCampaignJobs запускает рассылки кампании. Прерывается только остановкой планировщика.
func (s *Scheduler) startCampaignJobs(id string, jobIDs []int64) {
	defer s.starters.Done()
	ctx := s.starting
	logger := s.logger.With().Str("campaign", id).Logger()

	for i, jobID := range jobIDs {
		if i > 0 && s.opts.StartDelay > 0 {
			if err := s.clock.Sleep(ctx, s.opts.StartDelay); err != nil {
				s.updateCampaign(id, func(c *Campaign) {
					for _, rest := range jobIDs[i:] {
						c.Failed[rest] = err.Error()
					}
				})
				break
			}
		}
		err := s.Start(ctx, jobID)
		if err != nil {
			logger.Warn().Err(err).Int64("job", jobID).Msg("mailing: рассылка кампании не запущена")
		}
		s.updateCampaign(id, func(c *Campaign) {
			if err != nil {
				c.Failed[jobID] = err.Error()
				return
			}
			c.Started = append(c.Started, jobID)
		})
	}

	var started, failed int
	s.updateCampaign(id, func(c *Campaign) {
		c.Done = true
		started, failed = len(c.Started), len(c.Failed)
	})
	logger.Info().
		Int("jobs", len(jobIDs)).
		Int("started", started).
		Int("failed", failed).
		Msg("mailing: кампания запущена")
}

func (s *Scheduler) updateCampaign(id string, fn func(c *Campaign)) {
	s.campaignsMu.Lock()
	defer s.campaignsMu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return
	}
	fn(&c)
	s.campaigns[id] = c
}

// pruneCampaignsLocked удаляет завершённые итоги старше campaignTTL без живых циклов.
// Прогресс таких кампаний по-прежнему собирается из БД.
func (s *Scheduler) pruneCampaignsLocked(now time.Time) {
	live := make(map[string]struct{})
	for _, task := range s.registry.Snapshot() {
		if task.CampaignID != "" {
			live[task.CampaignID] = struct{}{}
		}
	}
	for id, c := range s.campaigns {
		if _, ok := live[id]; ok || !c.Done {
			continue
		}
		if now.Sub(c.CreatedAt) > campaignTTL {
			delete(s.campaigns, id)
		}
	}
}

// Campaign возвращает итог запуска кампании.
func (s *Scheduler) Campaign(id string) (Campaign, bool) {
	s.campaignsMu.Lock()
	defer s.campaignsMu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, false
	}
	return c.clone(), true
}

// Progress собирает счётчики кампании. Живой цикл отдаёт счётчики текущего
// запуска, к ним добавляются записи журнала до его старта. Для остановленных
// рассылок берутся данные журнала целиком.
func (s *Scheduler) Progress(ctx context.Context, id string) (CampaignProgress, error) {
	jobs, err := s.jobs.ListJobs(ctx, domain.JobFilter{CampaignID: id})
	if err != nil {
		return CampaignProgress{}, fmt.Errorf("рассылки кампании: %w", err)
	}
	if len(jobs) == 0 {
		return CampaignProgress{}, fmt.Errorf("кампания %s: %w", id, domain.ErrNotFound)
	}
	progress := CampaignProgress{
		ID:     id,
		Jobs:   len(jobs),
		Counts: domain.OutcomeCounts{},
		At:     s.clock.Now().UTC(),
	}
	for _, job := range jobs {
		task, running := s.registry.Get(job.ID)
		var until time.Time
		if running {
			progress.Running++
			until = task.StartedAt
			for outcome, n := range task.Stats().Counts() {
				progress.Counts[outcome] += n
			}
		}
		counts, err := s.log.CountUntil(ctx, job.ID, until)
		if err != nil {
			return CampaignProgress{}, err
		}
		for outcome, n := range counts {
			progress.Counts[outcome] += n
		}
	}
	return progress, nil
}

// ActiveCampaigns возвращает кампании, у которых есть живые циклы.
func (s *Scheduler) ActiveCampaigns() []string {
	seen := make(map[string]struct{})
	for _, task := range s.registry.Snapshot() {
		if task.CampaignID != "" {
			seen[task.CampaignID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
