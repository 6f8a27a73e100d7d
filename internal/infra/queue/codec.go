package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tg-mailing-bot/internal/domain"
)

// errMalformed помечает сообщение, которое нельзя разобрать; такие сообщения отбрасываются.
var errMalformed = errors.New("некорректная команда")

// encodeCommand заполняет идентификатор и время постановки и кодирует команду.
func encodeCommand(cmd *domain.Command) ([]byte, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return payload, nil
}

func decodeCommand(raw []byte) (domain.Command, error) {
	var cmd domain.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return domain.Command{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if cmd.Kind == "" {
		return domain.Command{}, fmt.Errorf("%w: не указан вид", errMalformed)
	}
	return cmd, nil
}
