package mtproto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/tgerr"

	"tg-mailing-bot/internal/domain"
)

// permissionErrors перечисляет ответы Telegram, означающие запрет писать в чат.
var permissionErrors = []string{
	"CHAT_WRITE_FORBIDDEN",
	"CHAT_ADMIN_REQUIRED",
	"CHAT_SEND_PLAIN_FORBIDDEN",
	"CHAT_SEND_MEDIA_FORBIDDEN",
	"CHAT_SEND_PHOTOS_FORBIDDEN",
	"CHAT_RESTRICTED",
	"CHANNEL_PRIVATE",
	"USER_BANNED_IN_CHANNEL",
}

// authErrors перечисляет ответы Telegram о недействительной сессии.
var authErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// classify переводит ошибку gotd в доменную.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &domain.RateLimitedError{RetryAfter: d}
	}
	if rpcErr, ok := tgerr.As(err); ok && rpcErr.IsType("SLOWMODE_WAIT") {
		return &domain.RateLimitedError{RetryAfter: time.Duration(rpcErr.Argument) * time.Second}
	}
	if tgerr.Is(err, permissionErrors...) {
		return fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
	}
	if tgerr.Is(err, authErrors...) {
		return fmt.Errorf("%w: %w", domain.ErrNotAuthorized, err)
	}
	return &domain.TransportError{Op: op, Err: err}
}
