package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/usecase/mailing"
	"tg-mailing-bot/internal/usecase/transportpool"
)

const testToken = "secret"

type stubMailing struct {
	mu      sync.Mutex
	fanouts []domain.FanoutSpec
	active  map[int64]bool
	stopped int
}

func newStubMailing(ids ...int64) *stubMailing {
	m := &stubMailing{active: make(map[int64]bool)}
	for _, id := range ids {
		m.active[id] = false
	}
	return m
}

func (m *stubMailing) CreateFanout(_ context.Context, spec domain.FanoutSpec) ([]int64, error) {
	if err := domain.ValidateIntervals(spec.MinInterval, spec.MaxInterval); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fanouts = append(m.fanouts, spec)
	return []int64{10, 11}, nil
}

func (m *stubMailing) Start(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.active[id]
	if !ok {
		return fmt.Errorf("рассылка %d: %w", id, domain.ErrNotFound)
	}
	if active {
		return domain.ErrAlreadyActive
	}
	m.active[id] = true
	return nil
}

func (m *stubMailing) Stop(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; !ok {
		return domain.ErrNotFound
	}
	m.active[id] = false
	return nil
}

func (m *stubMailing) StopAll(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, active := range m.active {
		if active {
			m.active[id] = false
			n++
		}
	}
	return n, nil
}

func (m *stubMailing) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[id] {
		return domain.ErrAlreadyActive
	}
	delete(m.active, id)
	return nil
}

func (m *stubMailing) Job(_ context.Context, id int64) (mailing.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.active[id]
	if !ok {
		return mailing.JobStatus{}, domain.ErrNotFound
	}
	return mailing.JobStatus{Job: domain.Job{ID: id, Active: active}, Running: active}, nil
}

func (m *stubMailing) List(_ context.Context, filter domain.JobFilter) ([]mailing.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mailing.JobStatus
	for id, active := range m.active {
		if filter.Active != nil && *filter.Active != active {
			continue
		}
		out = append(out, mailing.JobStatus{Job: domain.Job{ID: id, Active: active}, Running: active})
	}
	return out, nil
}

func (m *stubMailing) StartCampaign(ctx context.Context, spec domain.FanoutSpec) (mailing.Campaign, error) {
	ids, err := m.CreateFanout(ctx, spec)
	if err != nil {
		return mailing.Campaign{}, err
	}
	return mailing.Campaign{ID: "c1", JobIDs: ids, Started: ids}, nil
}

func (m *stubMailing) Campaign(id string) (mailing.Campaign, bool) {
	if id != "c1" {
		return mailing.Campaign{}, false
	}
	return mailing.Campaign{ID: "c1", JobIDs: []int64{10, 11}}, true
}

func (m *stubMailing) Progress(_ context.Context, id string) (mailing.CampaignProgress, error) {
	if id != "c1" {
		return mailing.CampaignProgress{}, domain.ErrNotFound
	}
	return mailing.CampaignProgress{ID: id, Jobs: 2, Running: 1, Counts: domain.OutcomeCounts{domain.OutcomeSent: 3}}, nil
}

type stubHistory struct {
	records []domain.DeliveryRecord
	limit   int
}

func (h *stubHistory) Recent(_ context.Context, limit int) ([]domain.DeliveryRecord, error) {
	h.limit = limit
	return h.records, nil
}

func (h *stubHistory) CountByOutcome(context.Context, int64) (domain.OutcomeCounts, error) {
	return domain.OutcomeCounts{domain.OutcomeSent: 2, domain.OutcomeError: 1}, nil
}

func (h *stubHistory) Stats(context.Context) (domain.DeliveryStats, error) {
	return domain.DeliveryStats{Accounts: 1, Counts: domain.OutcomeCounts{domain.OutcomeSent: 3, domain.OutcomeError: 1}}, nil
}

func (h *stubHistory) Clear(context.Context) (int, error) {
	n := len(h.records)
	h.records = nil
	return n, nil
}

type stubThrottle struct {
	mu sync.Mutex
	w  domain.ThrottleWindow
}

func (s *stubThrottle) Current() domain.ThrottleWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w
}

func (s *stubThrottle) Patch(_ context.Context, fn func(w *domain.ThrottleWindow)) (domain.ThrottleWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.w
	fn(&w)
	if w.Multiplier <= 0 {
		return domain.ThrottleWindow{}, fmt.Errorf("%w: множитель", domain.ErrInvalidJob)
	}
	s.w = w
	return w, nil
}

type stubTransports struct{}

func (stubTransports) Open() []transportpool.OpenTransport {
	return []transportpool.OpenTransport{{AccountID: 1, Refs: 2}}
}

type stubDirectory struct{}

func (stubDirectory) SyncAccount(_ context.Context, id int64) (int, error) {
	if id == 2 {
		return 0, domain.ErrAccountDisabled
	}
	return 4, nil
}

type env struct {
	router   chi.Router
	mailing  *stubMailing
	history  *stubHistory
	throttle *stubThrottle
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		mailing:  newStubMailing(1, 2),
		history:  &stubHistory{records: []domain.DeliveryRecord{{ID: 1, Outcome: domain.OutcomeSent}}},
		throttle: &stubThrottle{w: domain.ThrottleWindow{StartHour: 21, EndHour: 5, Multiplier: 2}},
	}
	h := NewHandler(Deps{
		Mailing:     e.mailing,
		History:     e.history,
		Throttle:    e.throttle,
		Transports:  stubTransports{},
		Directory:   stubDirectory{},
		MinInterval: 5,
		MaxInterval: 15,
	}, zerolog.Nop())
	e.router = chi.NewRouter()
	h.Mount(e.router, testToken)
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("ответ не JSON: %v: %s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestRequiresToken(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("без токена ожидали 401, получили %d", rec.Code)
	}
}

func TestCreateJobsAppliesDefaultsAndBuildsPayload(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodPost, "/api/v1/jobs", `{"account_ids":[1],"text":"привет || здравствуйте"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидали 201, получили %d: %v", rec.Code, body)
	}
	if body["status"] != "ok" {
		t.Fatalf("ожидали status ok: %v", body)
	}
	spec := e.mailing.fanouts[0]
	if spec.MinInterval != 5 || spec.MaxInterval != 15 {
		t.Fatalf("должны подставляться интервалы по умолчанию: %+v", spec)
	}
	if spec.Payload.Kind != domain.PayloadTextVariants || len(spec.Payload.Variants) != 2 {
		t.Fatalf("ожидали два варианта текста: %+v", spec.Payload)
	}
}

func TestCreateJobsRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	cases := []string{
		`not json`,
		`{"text":""}`,
		`{"text":"hi","min_interval":10,"max_interval":5}`,
	}
	for _, body := range cases {
		rec, decoded := e.do(t, http.MethodPost, "/api/v1/jobs", body)
		if rec.Code != http.StatusBadRequest || decoded["code"] != "invalid" {
			t.Fatalf("%s: ожидали 400 invalid, получили %d %v", body, rec.Code, decoded)
		}
	}
}

func TestLifecycleCodes(t *testing.T) {
	e := newEnv(t)
	steps := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{http.MethodPost, "/api/v1/jobs/1/start", http.StatusOK, ""},
		{http.MethodPost, "/api/v1/jobs/1/start", http.StatusConflict, "already_active"},
		{http.MethodDelete, "/api/v1/jobs/1", http.StatusConflict, "already_active"},
		{http.MethodPost, "/api/v1/jobs/1/stop", http.StatusOK, ""},
		{http.MethodDelete, "/api/v1/jobs/1", http.StatusOK, ""},
		{http.MethodGet, "/api/v1/jobs/1", http.StatusNotFound, "not_found"},
		{http.MethodPost, "/api/v1/jobs/999/start", http.StatusNotFound, "not_found"},
		{http.MethodPost, "/api/v1/jobs/abc/stop", http.StatusBadRequest, "invalid"},
	}
	for _, s := range steps {
		rec, body := e.do(t, s.method, s.path, "")
		if rec.Code != s.status {
			t.Fatalf("%s %s: ожидали %d, получили %d %v", s.method, s.path, s.status, rec.Code, body)
		}
		if s.code != "" && body["code"] != s.code {
			t.Fatalf("%s %s: ожидали код %s, получили %v", s.method, s.path, s.code, body)
		}
	}
}

func TestStopAllAndList(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/v1/jobs/1/start", "")
	e.do(t, http.MethodPost, "/api/v1/jobs/2/start", "")

	_, body := e.do(t, http.MethodGet, "/api/v1/jobs?active=true", "")
	if jobs := body["jobs"].([]any); len(jobs) != 2 {
		t.Fatalf("ожидали 2 активные рассылки, получили %d", len(jobs))
	}
	_, body = e.do(t, http.MethodPost, "/api/v1/jobs/stop-all", "")
	if body["stopped"] != float64(2) {
		t.Fatalf("ожидали stopped=2: %v", body)
	}
	_, body = e.do(t, http.MethodGet, "/api/v1/jobs?active=true", "")
	if jobs := body["jobs"].([]any); len(jobs) != 0 {
		t.Fatalf("после остановки активных быть не должно: %v", jobs)
	}
	rec, _ := e.do(t, http.MethodGet, "/api/v1/jobs?active=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("некорректный фильтр должен давать 400, получили %d", rec.Code)
	}
}

func TestJobStats(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodGet, "/api/v1/jobs/2/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	counts := body["counts"].(map[string]any)
	if counts["sent"] != float64(2) || counts["error"] != float64(1) {
		t.Fatalf("неожиданные счётчики: %v", counts)
	}
}

func TestCampaignEndpoints(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodPost, "/api/v1/campaigns", `{"destination_ids":[1,2],"text":"hi","min_interval":1,"max_interval":1}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидали 201, получили %d %v", rec.Code, body)
	}
	_, body = e.do(t, http.MethodGet, "/api/v1/campaigns/c1", "")
	progress := body["progress"].(map[string]any)
	if progress["running"] != float64(1) {
		t.Fatalf("неожиданный прогресс: %v", progress)
	}
	if _, ok := body["campaign"]; !ok {
		t.Fatalf("в ответе должна быть кампания: %v", body)
	}
	rec, _ = e.do(t, http.MethodGet, "/api/v1/campaigns/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
}

func TestThrottlePartialUpdate(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.do(t, http.MethodPut, "/api/v1/throttle", `{"enabled":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	w := e.throttle.Current()
	if !w.Enabled || w.StartHour != 21 || w.EndHour != 5 || w.Multiplier != 2 {
		t.Fatalf("остальные поля должны сохраниться: %+v", w)
	}
	rec, body := e.do(t, http.MethodPut, "/api/v1/throttle", `{"multiplier":0}`)
	if rec.Code != http.StatusBadRequest || body["code"] != "invalid" {
		t.Fatalf("нулевой множитель должен отклоняться: %d %v", rec.Code, body)
	}
	_, body = e.do(t, http.MethodGet, "/api/v1/throttle", "")
	if body["multiplier"] != float64(2) {
		t.Fatalf("окно не должно измениться после ошибки: %v", body)
	}
}

func TestThrottleConcurrentPartialUpdates(t *testing.T) {
	e := newEnv(t)
	bodies := []string{`{"start_hour":22}`, `{"end_hour":6}`, `{"multiplier":3}`, `{"enabled":true}`}
	var wg sync.WaitGroup
	codes := make([]int, len(bodies))
	for i, body := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPut, "/api/v1/throttle", strings.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+testToken)
			rec := httptest.NewRecorder()
			e.router.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}()
	}
	wg.Wait()
	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("запрос %s: ожидали 200, получили %d", bodies[i], code)
		}
	}
	want := domain.ThrottleWindow{Enabled: true, StartHour: 22, EndHour: 6, Multiplier: 3}
	if got := e.throttle.Current(); got != want {
		t.Fatalf("параллельные правки должны сложиться: ожидали %+v, получили %+v", want, got)
	}
}

func TestHistoryAndStats(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodGet, "/api/v1/history?limit=7", "")
	if e.history.limit != 7 || len(body["records"].([]any)) != 1 {
		t.Fatalf("неожиданный журнал: limit=%d %v", e.history.limit, body)
	}
	rec, _ := e.do(t, http.MethodGet, "/api/v1/history?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("отрицательный limit должен давать 400, получили %d", rec.Code)
	}
	_, body = e.do(t, http.MethodGet, "/api/v1/stats", "")
	if body["success_rate"] != float64(75) {
		t.Fatalf("ожидали 75%% успешных: %v", body)
	}
	_, body = e.do(t, http.MethodDelete, "/api/v1/history", "")
	if body["deleted"] != float64(1) {
		t.Fatalf("ожидали удаление одной записи: %v", body)
	}
}

func TestTransportsAndSync(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodGet, "/api/v1/transports", "")
	if len(body["transports"].([]any)) != 1 {
		t.Fatalf("ожидали одно подключение: %v", body)
	}
	_, body = e.do(t, http.MethodPost, "/api/v1/accounts/1/sync", "")
	if body["destinations"] != float64(4) {
		t.Fatalf("ожидали 4 чата: %v", body)
	}
	rec, body := e.do(t, http.MethodPost, "/api/v1/accounts/2/sync", "")
	if rec.Code != http.StatusForbidden || body["code"] != "account_disabled" {
		t.Fatalf("отключённый аккаунт: %d %v", rec.Code, body)
	}
}
