package repo

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"tg-mailing-bot/internal/domain"
)

func TestJobWhereEmptyFilter(t *testing.T) {
	where, args := jobWhere(domain.JobFilter{})
	if where != "" || args != nil {
		t.Fatalf("пустой фильтр не должен давать условий: %q %v", where, args)
	}
}

func TestJobWhereNumbersPlaceholders(t *testing.T) {
	active := true
	where, args := jobWhere(domain.JobFilter{Active: &active, AccountID: 3, CampaignID: "c1"})
	want := " WHERE active = $1 AND account_id = $2 AND campaign_id = $3"
	if where != want {
		t.Fatalf("ожидали %q, получили %q", want, where)
	}
	if !reflect.DeepEqual(args, []any{true, int64(3), "c1"}) {
		t.Fatalf("неожиданные аргументы: %v", args)
	}
}

func TestJobWhereDestinationOnly(t *testing.T) {
	where, args := jobWhere(domain.JobFilter{DestinationID: 7, Limit: 10})
	if where != " WHERE destination_id = $1" || len(args) != 1 {
		t.Fatalf("неожиданное условие: %q %v", where, args)
	}
}

func TestCountDeliveriesCastsParameters(t *testing.T) {
	for _, want := range []string{"$1::bigint = 0", "job_id = $1::bigint", "$2::timestamptz IS NULL"} {
		if !strings.Contains(countDeliveriesSQL, want) {
			t.Fatalf("в запросе нет %q: %s", want, countDeliveriesSQL)
		}
	}
}

func TestUntilArg(t *testing.T) {
	if untilArg(time.Time{}) != nil {
		t.Fatalf("нулевое время должно давать NULL")
	}
	at := time.Date(2024, 5, 1, 15, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	got := untilArg(at)
	if got == nil || !got.Equal(at) || got.Location() != time.UTC {
		t.Fatalf("ожидали %v в UTC, получили %v", at, got)
	}
}
