// Package httpapi реализует админский HTTP API рассылок.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	httpinfra "tg-mailing-bot/internal/infra/http"
	"tg-mailing-bot/internal/usecase/mailing"
	"tg-mailing-bot/internal/usecase/transportpool"
)

// Mailing перечисляет операции планировщика, доступные через API.
type Mailing interface {
	CreateFanout(ctx context.Context, spec domain.FanoutSpec) ([]int64, error)
	Start(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
	StopAll(ctx context.Context) (int, error)
	Delete(ctx context.Context, id int64) error
	Job(ctx context.Context, id int64) (mailing.JobStatus, error)
	List(ctx context.Context, filter domain.JobFilter) ([]mailing.JobStatus, error)
	StartCampaign(ctx context.Context, spec domain.FanoutSpec) (mailing.Campaign, error)
	Campaign(id string) (mailing.Campaign, bool)
	Progress(ctx context.Context, id string) (mailing.CampaignProgress, error)
}

// History читает журнал доставки.
type History interface {
	Recent(ctx context.Context, limit int) ([]domain.DeliveryRecord, error)
	CountByOutcome(ctx context.Context, jobID int64) (domain.OutcomeCounts, error)
	Stats(ctx context.Context) (domain.DeliveryStats, error)
	Clear(ctx context.Context) (int, error)
}

// Throttle управляет настройками ночного режима.
type Throttle interface {
	Current() domain.ThrottleWindow
	Patch(ctx context.Context, fn func(w *domain.ThrottleWindow)) (domain.ThrottleWindow, error)
}

// Transports отдаёт снимок открытых подключений.
type Transports interface {
	Open() []transportpool.OpenTransport
}

// Directory синхронизирует чаты аккаунтов.
type Directory interface {
	SyncAccount(ctx context.Context, accountID int64) (int, error)
}

// Deps собирает зависимости обработчика.
type Deps struct {
	Mailing    Mailing
	History    History
	Throttle   Throttle
	Transports Transports
	Directory  Directory
	// MinInterval и MaxInterval подставляются, если запрос их не задал.
	MinInterval int
	MaxInterval int
}

// Handler обслуживает админский API.
type Handler struct {
	deps Deps
	log  zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(deps Deps, log zerolog.Logger) *Handler {
	return &Handler{deps: deps, log: log}
}

// Mount регистрирует маршруты под /api/v1 с проверкой токена.
func (h *Handler) Mount(r chi.Router, token string) {
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httpinfra.BearerAuth(token))

		api.Post("/jobs", h.createJobs)
		api.Get("/jobs", h.listJobs)
		api.Post("/jobs/stop-all", h.stopAll)
		api.Get("/jobs/{id}", h.getJob)
		api.Post("/jobs/{id}/start", h.startJob)
		api.Post("/jobs/{id}/stop", h.stopJob)
		api.Delete("/jobs/{id}", h.deleteJob)
		api.Get("/jobs/{id}/stats", h.jobStats)

		api.Post("/campaigns", h.createCampaign)
		api.Get("/campaigns/{id}", h.getCampaign)

		api.Get("/throttle", h.getThrottle)
		api.Put("/throttle", h.putThrottle)

		api.Get("/history", h.history)
		api.Delete("/history", h.clearHistory)
		api.Get("/stats", h.stats)
		api.Get("/transports", h.transports)
		api.Post("/accounts/{id}/sync", h.syncAccount)
	})
}

type fanoutRequest struct {
	AccountIDs     []int64         `json:"account_ids"`
	DestinationIDs []int64         `json:"destination_ids"`
	Text           string          `json:"text"`
	Photo          string          `json:"photo"`
	Payload        *domain.Payload `json:"payload"`
	MinInterval    int             `json:"min_interval"`
	MaxInterval    int             `json:"max_interval"`
}

func (h *Handler) decodeFanout(r *http.Request) (domain.FanoutSpec, error) {
	var req fanoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return domain.FanoutSpec{}, fmt.Errorf("%w: тело запроса: %v", domain.ErrInvalidJob, err)
	}
	spec := domain.FanoutSpec{
		AccountIDs:     req.AccountIDs,
		DestinationIDs: req.DestinationIDs,
		MinInterval:    req.MinInterval,
		MaxInterval:    req.MaxInterval,
	}
	if req.Payload != nil {
		spec.Payload = *req.Payload
	} else {
		payload, err := domain.NewPayload(req.Text, req.Photo)
		if err != nil {
			return domain.FanoutSpec{}, err
		}
		spec.Payload = payload
	}
	if spec.MinInterval == 0 && spec.MaxInterval == 0 {
		spec.MinInterval, spec.MaxInterval = h.deps.MinInterval, h.deps.MaxInterval
	}
	return spec, nil
}

func (h *Handler) createJobs(w http.ResponseWriter, r *http.Request) {
	spec, err := h.decodeFanout(r)
	if err != nil {
		httpinfra.WriteError(w, err)
		return
	}
	ids, err := h.deps.Mailing.CreateFanout(r.Context(), spec)
	if err != nil {
		h.fail(w, r, "создание рассылок", err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	httpinfra.WriteJSON(w, http.StatusCreated, map[string]any{"status": "ok", "job_ids": ids})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter domain.JobFilter
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httpinfra.WriteError(w, fmt.Errorf("%w: active=%q", domain.ErrInvalidJob, raw))
			return
		}
		filter.Active = &active
	}
	var err error
	if filter.AccountID, err = queryInt(q.Get("account_id")); err != nil {
		httpinfra.WriteError(w, err)
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		httpinfra.WriteError(w, err)
		return
	}
	filter.Limit = int(limit)
	filter.CampaignID = q.Get("campaign_id")

	jobs, err := h.deps.Mailing.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "список рассылок", err)
		return
	}
	if jobs == nil {
		jobs = []mailing.JobStatus{}
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := h.deps.Mailing.Job(r.Context(), id)
	if err != nil {
		h.fail(w, r, "чтение рассылки", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) startJob(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "запуск", h.deps.Mailing.Start)
}

func (h *Handler) stopJob(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "остановка", h.deps.Mailing.Stop)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "удаление", h.deps.Mailing.Delete)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, int64) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		h.fail(w, r, op, err)
		return
	}
	h.log.Info().Int64("job", id).Str("op", op).Msg("httpapi: рассылка обновлена")
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "job_id": id})
}

func (h *Handler) stopAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Mailing.StopAll(r.Context())
	if err != nil {
		h.fail(w, r, "остановка всех", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "stopped": n})
}

func (h *Handler) jobStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := h.deps.Mailing.Job(r.Context(), id)
	if err != nil {
		h.fail(w, r, "статистика рассылки", err)
		return
	}
	counts, err := h.deps.History.CountByOutcome(r.Context(), id)
	if err != nil {
		h.fail(w, r, "статистика рассылки", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{
		"job_id":  id,
		"running": status.Running,
		"loop":    status.Loop,
		"counts":  counts,
	})
}

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	spec, err := h.decodeFanout(r)
	if err != nil {
		httpinfra.WriteError(w, err)
		return
	}
	campaign, err := h.deps.Mailing.StartCampaign(r.Context(), spec)
	if err != nil {
		h.fail(w, r, "запуск кампании", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, map[string]any{"status": "ok", "campaign": campaign})
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	progress, err := h.deps.Mailing.Progress(r.Context(), id)
	if err != nil {
		h.fail(w, r, "прогресс кампании", err)
		return
	}
	resp := map[string]any{"progress": progress}
	if campaign, ok := h.deps.Mailing.Campaign(id); ok {
		resp["campaign"] = campaign
	}
	httpinfra.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) getThrottle(w http.ResponseWriter, r *http.Request) {
	httpinfra.WriteJSON(w, http.StatusOK, h.deps.Throttle.Current())
}

// throttleRequest позволяет менять отдельные поля ночного режима.
type throttleRequest struct {
	Enabled    *bool    `json:"enabled"`
	StartHour  *int     `json:"start_hour"`
	EndHour    *int     `json:"end_hour"`
	Multiplier *float64 `json:"multiplier"`
}

func (req throttleRequest) apply(w domain.ThrottleWindow) domain.ThrottleWindow {
	if req.Enabled != nil {
		w.Enabled = *req.Enabled
	}
	if req.StartHour != nil {
		w.StartHour = *req.StartHour
	}
	if req.EndHour != nil {
		w.EndHour = *req.EndHour
	}
	if req.Multiplier != nil {
		w.Multiplier = *req.Multiplier
	}
	return w
}

func (h *Handler) putThrottle(w http.ResponseWriter, r *http.Request) {
	var req throttleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpinfra.WriteError(w, fmt.Errorf("%w: тело запроса: %v", domain.ErrInvalidJob, err))
		return
	}
	window, err := h.deps.Throttle.Patch(r.Context(), func(current *domain.ThrottleWindow) {
		*current = req.apply(*current)
	})
	if err != nil {
		h.fail(w, r, "ночной режим", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "throttle": window})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		httpinfra.WriteError(w, err)
		return
	}
	records, err := h.deps.History.Recent(r.Context(), int(limit))
	if err != nil {
		h.fail(w, r, "журнал", err)
		return
	}
	if records == nil {
		records = []domain.DeliveryRecord{}
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *Handler) clearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.History.Clear(r.Context())
	if err != nil {
		h.fail(w, r, "очистка журнала", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": n})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.History.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "статистика", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{
		"stats":        stats,
		"success_rate": stats.SuccessRate(),
	})
}

func (h *Handler) transports(w http.ResponseWriter, r *http.Request) {
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"transports": h.deps.Transports.Open()})
}

func (h *Handler) syncAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := h.deps.Directory.SyncAccount(r.Context(), id)
	if err != nil {
		h.fail(w, r, "синхронизация чатов", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "account_id": id, "destinations": n})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if httpinfra.StatusFor(err) >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", httpinfra.RequestID(r)).Str("op", op).Msg("httpapi: ошибка")
	}
	httpinfra.WriteError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpinfra.WriteError(w, fmt.Errorf("%w: id=%q", domain.ErrInvalidJob, raw))
		return 0, false
	}
	return id, true
}

func queryInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: ожидалось неотрицательное число, получено %q", domain.ErrInvalidJob, raw)
	}
	return v, nil
}
