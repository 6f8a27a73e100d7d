package domain

import (
	"strings"
	"time"
)

// Account описывает Telegram-аккаунт, от имени которого идёт рассылка.
type Account struct {
	ID          int64     `json:"id"`
	TGUserID    int64     `json:"tg_user_id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Username    string    `json:"username"`
	APIID       int       `json:"-"`
	APIHash     string    `json:"-"`
	SessionName string    `json:"session_name"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// DestinationKind различает группы и каналы.
type DestinationKind string

const (
	DestinationGroup   DestinationKind = "group"
	DestinationChannel DestinationKind = "channel"
)

// Destination описывает чат, доступный аккаунту.
type Destination struct {
	ID         int64           `json:"id"`
	AccountID  int64           `json:"account_id"`
	ExternalID int64           `json:"external_id"`
	Title      string          `json:"title"`
	Kind       DestinationKind `json:"kind"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ExternalDestination описывает чат в том виде, в каком его возвращает транспорт.
type ExternalDestination struct {
	ExternalID int64           `json:"external_id"`
	Title      string          `json:"title"`
	Kind       DestinationKind `json:"kind"`
}

// Job описывает рассылку одного аккаунта в один чат.
type Job struct {
	ID            int64      `json:"id"`
	AccountID     int64      `json:"account_id"`
	DestinationID int64      `json:"destination_id"`
	CampaignID    string     `json:"campaign_id,omitempty"`
	Payload       Payload    `json:"payload"`
	MinInterval   int        `json:"min_interval"`
	MaxInterval   int        `json:"max_interval"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
}

// ValidateIntervals проверяет границы интервала в минутах.
func ValidateIntervals(minMinutes, maxMinutes int) error {
	if minMinutes < 1 || maxMinutes < minMinutes {
		return ErrInvalidJob
	}
	return nil
}

// Outcome хранит результат одной попытки отправки.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomePermissionDenied Outcome = "permission_denied"
	OutcomeError            Outcome = "error"
)

// Outcomes перечисляет все исходы в порядке вывода статистики.
var Outcomes = []Outcome{OutcomeSent, OutcomeRateLimited, OutcomePermissionDenied, OutcomeError}

// Valid проверяет, что исход известен.
func (o Outcome) Valid() bool {
	for _, known := range Outcomes {
		if o == known {
			return true
		}
	}
	return false
}

// DeliveryRecord описывает запись журнала доставки.
type DeliveryRecord struct {
	ID            int64     `json:"id"`
	JobID         int64     `json:"job_id"`
	DestinationID int64     `json:"destination_id"`
	Outcome       Outcome   `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// OutcomeCounts хранит количество записей по исходам.
type OutcomeCounts map[Outcome]int

// Total возвращает сумму по всем исходам.
func (c OutcomeCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// DeliveryStats содержит сводную статистику рассылок.
type DeliveryStats struct {
	Accounts     int              `json:"accounts"`
	Destinations int              `json:"destinations"`
	ActiveJobs   int              `json:"active_jobs"`
	Counts       OutcomeCounts    `json:"counts"`
	Recent       []DeliveryRecord `json:"recent"`
}

// SuccessRate возвращает долю успешных отправок в процентах.
func (s DeliveryStats) SuccessRate() int {
	total := s.Counts.Total()
	if total == 0 {
		return 0
	}
	return s.Counts[OutcomeSent] * 100 / total
}

// ParseTextVariants разбирает строку вариантов текста в формате "a || b || c".
func ParseTextVariants(raw string) []string {
	parts := strings.Split(raw, "||")
	variants := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			variants = append(variants, trimmed)
		}
	}
	return variants
}
