package mailing

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/usecase/deliverylog"
	"tg-mailing-bot/internal/usecase/throttle"
	"tg-mailing-bot/internal/usecase/transportpool"
)

// memStore хранит в памяти данные для всех репозиториев планировщика.
type memStore struct {
	mu           sync.Mutex
	accounts     map[int64]domain.Account
	destinations map[int64]domain.Destination
	jobs         map[int64]domain.Job
	deliveries   []domain.DeliveryRecord
	nextJob      int64
	nextDest     int64
}

func newMemStore() *memStore {
	return &memStore{
		accounts:     make(map[int64]domain.Account),
		destinations: make(map[int64]domain.Destination),
		jobs:         make(map[int64]domain.Job),
	}
}

func (m *memStore) addAccount(id int64) domain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := domain.Account{ID: id, Name: "acc", Active: true}
	m.accounts[id] = a
	return a
}

func (m *memStore) addDestination(accountID, externalID int64) domain.Destination {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDest++
	d := domain.Destination{ID: m.nextDest, AccountID: accountID, ExternalID: externalID, Title: "chat", Kind: domain.DestinationGroup}
	m.destinations[d.ID] = d
	return d
}

func (m *memStore) setJobActive(id int64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Active = active
	m.jobs[id] = j
}

func (m *memStore) job(id int64) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

func (m *memStore) records() []domain.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeliveryRecord(nil), m.deliveries...)
}

func (m *memStore) GetAccount(_ context.Context, id int64) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memStore) ListAccounts(_ context.Context, activeOnly bool) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Account
	for _, a := range m.accounts {
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpsertAccount(_ context.Context, a domain.Account) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	return a, nil
}

func (m *memStore) CountAccounts(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts), nil
}

func (m *memStore) GetDestination(_ context.Context, id int64) (domain.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.destinations[id]
	if !ok {
		return domain.Destination{}, domain.ErrNotFound
	}
	return d, nil
}

func (m *memStore) ListDestinations(_ context.Context, accountID int64) ([]domain.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Destination
	for _, d := range m.destinations {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ReplaceDestinations(_ context.Context, accountID int64, found []domain.ExternalDestination) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.destinations {
		if d.AccountID == accountID {
			delete(m.destinations, id)
		}
	}
	for _, f := range found {
		m.nextDest++
		m.destinations[m.nextDest] = domain.Destination{ID: m.nextDest, AccountID: accountID, ExternalID: f.ExternalID, Title: f.Title, Kind: f.Kind}
	}
	return len(found), nil
}

func (m *memStore) CountDestinations(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.destinations), nil
}

func (m *memStore) CreateJobs(_ context.Context, jobs []domain.Job) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		m.nextJob++
		j.ID = m.nextJob
		m.jobs[j.ID] = j
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (m *memStore) GetJob(_ context.Context, id int64) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memStore) match(j domain.Job, f domain.JobFilter) bool {
	if f.Active != nil && j.Active != *f.Active {
		return false
	}
	if f.AccountID != 0 && j.AccountID != f.AccountID {
		return false
	}
	if f.DestinationID != 0 && j.DestinationID != f.DestinationID {
		return false
	}
	if f.CampaignID != "" && j.CampaignID != f.CampaignID {
		return false
	}
	return true
}

func (m *memStore) ListJobs(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if m.match(j, f) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) CountJobs(ctx context.Context, f domain.JobFilter) (int, error) {
	jobs, err := m.ListJobs(ctx, f)
	return len(jobs), err
}

func (m *memStore) MarkStarted(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Active = true
	j.StartedAt = &at
	m.jobs[id] = j
	return nil
}

func (m *memStore) MarkStopped(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Active = false
	j.StoppedAt = &at
	m.jobs[id] = j
	return nil
}

func (m *memStore) DeactivateAll(_ context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Active {
			j.Active = false
			j.StoppedAt = &at
			m.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteJob(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) AppendDelivery(_ context.Context, r domain.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.deliveries) + 1)
	m.deliveries = append(m.deliveries, r)
	return nil
}

func (m *memStore) RecentDeliveries(_ context.Context, limit int) ([]domain.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryRecord
	for i := len(m.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.deliveries[i])
	}
	return out, nil
}

func (m *memStore) CountDeliveriesByOutcome(_ context.Context, jobID int64, until time.Time) (domain.OutcomeCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := domain.OutcomeCounts{}
	for _, r := range m.deliveries {
		if jobID != 0 && r.JobID != jobID {
			continue
		}
		if until.IsZero() || !r.CreatedAt.After(until) {
			counts[r.Outcome]++
		}
	}
	return counts, nil
}

func (m *memStore) ClearDeliveries(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.deliveries)
	m.deliveries = nil
	return n, nil
}

type fakePeer struct{ id int64 }

func (p fakePeer) PeerID() int64 { return p.id }

type sentMessage struct {
	AccountID int64
	PeerID    int64
	Text      string
	Photo     string
}

// fakeConnector выдаёт транспорты с общим сценарием ответов.
type fakeConnector struct {
	mu           sync.Mutex
	unauthorized map[int64]bool
	unknownPeers map[int64]bool
	dialogs      map[int64][]domain.ExternalDestination
	sendErrs     []error
	sent         []sentMessage
	opened       map[int64]int
	closed       map[int64]int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		unauthorized: make(map[int64]bool),
		unknownPeers: make(map[int64]bool),
		dialogs:      make(map[int64][]domain.ExternalDestination),
		opened:       make(map[int64]int),
		closed:       make(map[int64]int),
	}
}

func (c *fakeConnector) Connect(_ context.Context, account domain.Account) (domain.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened[account.ID]++
	return &fakeTransport{conn: c, accountID: account.ID}, nil
}

func (c *fakeConnector) script(errs ...error) {
	c.mu.Lock()
	c.sendErrs = append(c.sendErrs, errs...)
	c.mu.Unlock()
}

func (c *fakeConnector) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *fakeConnector) closedCount(accountID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed[accountID]
}

func (c *fakeConnector) nextSendErr() error {
	if len(c.sendErrs) == 0 {
		return nil
	}
	err := c.sendErrs[0]
	c.sendErrs = c.sendErrs[1:]
	return err
}

type fakeTransport struct {
	conn      *fakeConnector
	accountID int64
}

func (t *fakeTransport) Authorized(context.Context) (bool, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return !t.conn.unauthorized[t.accountID], nil
}

func (t *fakeTransport) Self(context.Context) (domain.SelfInfo, error) {
	return domain.SelfInfo{TGUserID: t.accountID}, nil
}

func (t *fakeTransport) ListDestinations(context.Context) ([]domain.ExternalDestination, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return t.conn.dialogs[t.accountID], nil
}

func (t *fakeTransport) Resolve(_ context.Context, externalID int64) (domain.Peer, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.unknownPeers[externalID] {
		return nil, domain.ErrDestinationUnavailable
	}
	return fakePeer{id: externalID}, nil
}

func (t *fakeTransport) SendText(_ context.Context, peer domain.Peer, text string) error {
	return t.send(sentMessage{AccountID: t.accountID, PeerID: peer.PeerID(), Text: text})
}

func (t *fakeTransport) SendPhoto(_ context.Context, peer domain.Peer, photoRef, caption string) error {
	return t.send(sentMessage{AccountID: t.accountID, PeerID: peer.PeerID(), Text: caption, Photo: photoRef})
}

func (t *fakeTransport) send(msg sentMessage) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if err := t.conn.nextSendErr(); err != nil {
		return err
	}
	t.conn.sent = append(t.conn.sent, msg)
	return nil
}

func (t *fakeTransport) Close() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.closed[t.accountID]++
	return nil
}

// manualClock отпускает ожидания только по команде теста.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*sleeper
	slept   []time.Duration
}

type sleeper struct {
	d  time.Duration
	ch chan struct{}
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	s := &sleeper{d: d, ch: make(chan struct{})}
	c.mu.Lock()
	c.waiters = append(c.waiters, s)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, w := range c.waiters {
			if w == s {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Sleeping возвращает число текущих ожиданий.
func (c *manualClock) Sleeping() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Fire отпускает все текущие ожидания.
func (c *manualClock) Fire() int {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	var longest time.Duration
	for _, w := range waiters {
		if w.d > longest {
			longest = w.d
		}
	}
	c.now = c.now.Add(longest)
	c.mu.Unlock()
	for _, w := range waiters {
		close(w.ch)
	}
	return len(waiters)
}

func (c *manualClock) lastSleep() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.slept) == 0 {
		return 0
	}
	return c.slept[len(c.slept)-1]
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, text)
	return nil
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type harness struct {
	store     *memStore
	conn      *fakeConnector
	clock     *manualClock
	alerts    *fakeAlerter
	pool      *transportpool.Pool
	settings  *throttle.Settings
	scheduler *Scheduler
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:  newMemStore(),
		conn:   newFakeConnector(),
		clock:  newManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		alerts: &fakeAlerter{},
	}
	h.pool = transportpool.New(h.conn, transportpool.Options{OpenTimeout: time.Second}, zerolog.Nop())
	h.settings = throttle.NewSettings(throttle.DefaultWindow(), nil, zerolog.Nop())
	h.scheduler = NewScheduler(Deps{
		Accounts:     h.store,
		Destinations: h.store,
		Jobs:         h.store,
		Log:          deliverylog.New(h.store, h.store, zerolog.Nop()).WithClock(h.clock.Now),
		Pool:         h.pool,
		Policy:       throttle.NewPolicy(time.UTC).WithClock(h.clock.Now),
		Settings:     h.settings,
		Alerter:      h.alerts,
		Clock:        h.clock,
	}, opts, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.scheduler.Shutdown(ctx)
	})
	return h
}

// ready выполняет обязательную очистку перед запуском рассылок.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	if _, err := h.scheduler.CleanupOnStartup(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку очистки: %v", err)
	}
}

// fanout создаёт аккаунт с n чатами и рассылки по ним.
func (h *harness) fanout(t *testing.T, accountID int64, n int, payload domain.Payload) []int64 {
	t.Helper()
	h.store.addAccount(accountID)
	for i := 0; i < n; i++ {
		h.store.addDestination(accountID, -1000-int64(i)-accountID*100)
	}
	ids, err := h.scheduler.CreateFanout(context.Background(), domain.FanoutSpec{
		AccountIDs:  []int64{accountID},
		Payload:     payload,
		MinInterval: 1,
		MaxInterval: 1,
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку создания: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("ожидали %d рассылок, получили %d", n, len(ids))
	}
	return ids
}

// awaitCampaign ждёт окончания запуска рассылок кампании.
func (h *harness) awaitCampaign(t *testing.T, id string) Campaign {
	t.Helper()
	waitFor(t, "запуска кампании", func() bool {
		c, ok := h.scheduler.Campaign(id)
		return ok && c.Done
	})
	c, _ := h.scheduler.Campaign(id)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("не дождались: %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func countOutcome(records []domain.DeliveryRecord, outcome domain.Outcome) int {
	n := 0
	for _, r := range records {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}
