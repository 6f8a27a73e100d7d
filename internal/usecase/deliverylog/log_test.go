package deliverylog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
)

type stubRepo struct {
	mu      sync.Mutex
	records []domain.DeliveryRecord
	fail    error
}

func (s *stubRepo) AppendDelivery(ctx context.Context, r domain.DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = int64(len(s.records) + 1)
	s.records = append(s.records, r)
	return nil
}

func (s *stubRepo) RecentDeliveries(_ context.Context, limit int) ([]domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeliveryRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *stubRepo) CountDeliveriesByOutcome(_ context.Context, jobID int64, until time.Time) (domain.OutcomeCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := domain.OutcomeCounts{}
	for _, r := range s.records {
		if jobID != 0 && r.JobID != jobID {
			continue
		}
		if until.IsZero() || !r.CreatedAt.After(until) {
			counts[r.Outcome]++
		}
	}
	return counts, nil
}

func (s *stubRepo) ClearDeliveries(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = nil
	return n, nil
}

type stubInventory struct{}

func (stubInventory) CountAccounts(context.Context) (int, error)     { return 2, nil }
func (stubInventory) CountDestinations(context.Context) (int, error) { return 7, nil }
func (stubInventory) CountJobs(_ context.Context, f domain.JobFilter) (int, error) {
	if f.Active == nil || !*f.Active {
		return 0, errors.New("ожидали фильтр по активным")
	}
	return 3, nil
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	repo := &stubRepo{fail: errors.New("db down")}
	log := New(repo, nil, zerolog.Nop())
	log.Record(context.Background(), 1, 2, domain.OutcomeSent, "")
	if len(repo.records) != 0 {
		t.Fatalf("запись не должна появиться")
	}
}

func TestRecordSurvivesCancelledContext(t *testing.T) {
	repo := &stubRepo{}
	log := New(repo, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log.Record(ctx, 1, 2, domain.OutcomeRateLimited, "flood wait 5s")
	if len(repo.records) != 1 {
		t.Fatalf("ожидали запись даже при отменённом контексте")
	}
}

func TestRecordTruncatesDetail(t *testing.T) {
	repo := &stubRepo{}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	log := New(repo, nil, zerolog.Nop()).WithClock(func() time.Time { return at })
	log.Record(context.Background(), 1, 2, domain.OutcomeError, strings.Repeat("я", 500))
	got := repo.records[0]
	if n := len([]rune(got.Detail)); n != detailLimit {
		t.Fatalf("ожидали %d символов, получили %d", detailLimit, n)
	}
	if !got.CreatedAt.Equal(at) || got.DestinationID != 2 {
		t.Fatalf("неожиданная запись: %+v", got)
	}
}

func TestCountByOutcomeFillsAllOutcomes(t *testing.T) {
	repo := &stubRepo{}
	log := New(repo, nil, zerolog.Nop())
	log.Record(context.Background(), 1, 1, domain.OutcomeSent, "")
	log.Record(context.Background(), 1, 1, domain.OutcomeSent, "")
	log.Record(context.Background(), 2, 1, domain.OutcomeError, "x")
	counts, err := log.CountByOutcome(context.Background(), 1)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(counts) != len(domain.Outcomes) {
		t.Fatalf("ожидали все исходы в ответе: %v", counts)
	}
	if counts[domain.OutcomeSent] != 2 || counts[domain.OutcomeError] != 0 {
		t.Fatalf("неожиданные счётчики: %v", counts)
	}
}

func TestStats(t *testing.T) {
	repo := &stubRepo{}
	log := New(repo, stubInventory{}, zerolog.Nop())
	for i := 0; i < 3; i++ {
		log.Record(context.Background(), 1, 1, domain.OutcomeSent, "")
	}
	log.Record(context.Background(), 1, 1, domain.OutcomePermissionDenied, "CHAT_WRITE_FORBIDDEN")
	stats, err := log.Stats(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.SuccessRate() != 75 {
		t.Fatalf("ожидали 75%%, получили %d", stats.SuccessRate())
	}
	if stats.Accounts != 2 || stats.Destinations != 7 || stats.ActiveJobs != 3 {
		t.Fatalf("неожиданная сводка: %+v", stats)
	}
	if len(stats.Recent) != 4 || stats.Recent[0].Outcome != domain.OutcomePermissionDenied {
		t.Fatalf("ожидали последние записи, новые первыми")
	}

	n, err := log.Clear(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("ожидали удаление 4 записей, получили %d (%v)", n, err)
	}
}

func TestCountUntilSkipsLaterRecords(t *testing.T) {
	repo := &stubRepo{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	log := New(repo, nil, zerolog.Nop()).WithClock(func() time.Time { return now })
	log.Record(context.Background(), 1, 1, domain.OutcomeSent, "")
	cutoff := now
	now = now.Add(time.Minute)
	log.Record(context.Background(), 1, 1, domain.OutcomeSent, "")

	before, err := log.CountUntil(context.Background(), 1, cutoff)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	all, err := log.CountByOutcome(context.Background(), 1)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if before[domain.OutcomeSent] != 1 || all[domain.OutcomeSent] != 2 {
		t.Fatalf("неожиданные счётчики: до=%v всего=%v", before, all)
	}
}
