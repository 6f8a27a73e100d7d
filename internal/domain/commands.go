package domain

import (
	"context"
	"time"
)

// CommandKind описывает действие, запрошенное через очередь.
type CommandKind string

const (
	CommandStart    CommandKind = "start"
	CommandStop     CommandKind = "stop"
	CommandStopAll  CommandKind = "stop_all"
	CommandDelete   CommandKind = "delete"
	CommandCampaign CommandKind = "campaign"
	CommandThrottle CommandKind = "throttle"
)

// FanoutSpec задаёт параметры массового создания рассылок.
type FanoutSpec struct {
	AccountIDs     []int64 `json:"account_ids,omitempty"`
	DestinationIDs []int64 `json:"destination_ids,omitempty"`
	Payload        Payload `json:"payload"`
	MinInterval    int     `json:"min_interval"`
	MaxInterval    int     `json:"max_interval"`
}

// Command описывает задачу для планировщика, поставленная внешним интерфейсом.
type Command struct {
	ID          string          `json:"command_id"`
	Kind        CommandKind     `json:"kind"`
	JobID       int64           `json:"job_id,omitempty"`
	Fanout      *FanoutSpec     `json:"fanout,omitempty"`
	Window      *ThrottleWindow `json:"window,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// CommandResult хранит итог выполнения команды.
type CommandResult struct {
	CommandID  string    `json:"command_id"`
	OK         bool      `json:"ok"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Count      int       `json:"count,omitempty"`
	JobIDs     []int64   `json:"job_ids,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// CommandQueue описывает очередь команд планировщика.
type CommandQueue interface {
	Enqueue(ctx context.Context, cmd Command) error
	Receive(ctx context.Context) (Command, AckFunc, error)
}

// AckFunc подтверждает обработку или возвращает команду в очередь.
type AckFunc func(success bool) error
